package state

import "time"

// Entry is one (key, value) pair of a snapshot.
type Entry struct {
	Key       string
	Value     Value
	Stale     bool
	Owner     string
	UpdatedAt time.Time
}

// ChangeEvent records one transition of a key. New is nil when the key was
// removed; Old is nil when the key was absent.
type ChangeEvent struct {
	Seq       uint64
	Key       string
	Old       Value
	New       Value
	Stale     bool
	Owner     string
	Timestamp time.Time
}

// Removed reports whether the event deletes its key.
func (c ChangeEvent) Removed() bool { return c.New == nil }

// StaleNotice reports that every key under Namespaces, all owned by Owner,
// turned stale or fresh again. Values are unchanged.
type StaleNotice struct {
	Seq        uint64    `json:"seq"`
	Owner      string    `json:"owner"`
	Namespaces []string  `json:"namespaces"`
	Stale      bool      `json:"stale"`
	Timestamp  time.Time `json:"timestamp"`
}

// Covers reports whether key is one of the keys the notice applies to.
func (n StaleNotice) Covers(key string) bool {
	return len(n.Namespaces) > 0 && MatchAny(n.Namespaces, key)
}

// Message is a normalized update emitted by an adapter. A zero Timestamp is
// stamped by the hub on arrival.
type Message struct {
	Key       string
	Value     Value
	Delete    bool
	Timestamp time.Time
}

// Set returns a message assigning v to key.
func Set(key string, v Value) Message {
	return Message{Key: key, Value: v, Timestamp: time.Now()}
}

// Delete returns a message removing key.
func Delete(key string) Message {
	return Message{Key: key, Delete: true, Timestamp: time.Now()}
}
