package notifications

import (
	"slices"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eucalyptus-twig/twig/pkg/state"
)

// Close reasons of the NotificationClosed signal.
const (
	ReasonExpired   uint32 = 1
	ReasonDismissed uint32 = 2
	ReasonClosed    uint32 = 3
	ReasonUndefined uint32 = 4
)

// Closed records a notification that left the store.
type Closed struct {
	ID     uint32
	Reason uint32
}

// Store holds the retained notifications. Every mutation reports its effect
// on the state tree through the emit callback, serialized under the store
// lock so a set and a later delete of the same id never swap places.
type Store struct {
	mu      sync.Mutex
	items   *lru.Cache[uint32, state.Notification]
	nextID  uint32
	dnd     bool
	reason  uint32
	closed  []Closed
	now     func() time.Time
	emit    func(state.Message)
	onClose func(Closed)
	timers  map[uint32]*time.Timer
}

// NewStore keeps at most capacity notifications; the oldest is evicted
// first.
func NewStore(capacity int) *Store {
	s := &Store{
		nextID: 1,
		reason: ReasonUndefined,
		now:    time.Now,
		emit:   func(state.Message) {},
		timers: make(map[uint32]*time.Timer),
	}
	// The error is only returned for a non-positive size.
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s.items, _ = lru.NewWithEvict[uint32, state.Notification](capacity, s.evicted)
	return s
}

func (s *Store) evicted(id uint32, _ state.Notification) {
	s.closed = append(s.closed, Closed{ID: id, Reason: s.reason})
}

// Attach routes tree updates to emit and closure notices to onClose, then
// emits the full current state. Passing nil detaches.
func (s *Store) Attach(emit func(state.Message), onClose func(Closed)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if emit == nil {
		s.emit = func(state.Message) {}
		s.onClose = nil
		return
	}
	s.emit, s.onClose = emit, onClose
	for _, n := range s.list() {
		s.emit(state.Set(ItemKey(n.ID), n))
	}
	s.emit(state.Set("notifications.dnd", state.Bool(s.dnd)))
	s.emit(state.Set("notifications.count", state.Int(s.items.Len())))
}

// ItemKey is the key of notification id.
func ItemKey(id uint32) string {
	return state.Join(Name, "item", strconv.FormatUint(uint64(id), 10))
}

// Add stores n, replacing replaces when it is still held, and returns the
// assigned id. A positive expire closes the notification after that long.
func (s *Store) Add(n state.Notification, replaces uint32, expire time.Duration) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replaces != 0 && s.items.Contains(replaces) {
		n.ID = replaces
	} else {
		n.ID = s.nextID
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
	}
	if n.Time.IsZero() {
		n.Time = s.now()
	}
	s.reason = ReasonUndefined
	s.items.Add(n.ID, n)
	s.emit(state.Set(ItemKey(n.ID), n))
	s.flush()

	if t, ok := s.timers[n.ID]; ok {
		t.Stop()
		delete(s.timers, n.ID)
	}
	if expire > 0 {
		id := n.ID
		s.timers[id] = time.AfterFunc(expire, func() { s.Remove(id, ReasonExpired) })
	}
	return n.ID
}

// Remove drops id and reports whether it was held.
func (s *Store) Remove(id uint32, reason uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	ok := s.items.Remove(id)
	s.flush()
	return ok
}

// Clear drops everything.
func (s *Store) Clear(reason uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.items.Len()
	s.reason = reason
	s.items.Purge()
	s.flush()
	return n
}

// Get returns a held notification.
func (s *Store) Get(id uint32) (state.Notification, bool) {
	return s.items.Peek(id)
}

// SetDND sets do-not-disturb and returns the previous value.
func (s *Store) SetDND(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.dnd
	s.dnd = on
	s.emit(state.Set("notifications.dnd", state.Bool(on)))
	return prev
}

// DND reports do-not-disturb.
func (s *Store) DND() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dnd
}

// List returns the held notifications by id.
func (s *Store) List() []state.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() []state.Notification {
	out := s.items.Values()
	slices.SortFunc(out, func(a, b state.Notification) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// flush emits deletions for evicted entries and the new count. Callers
// hold s.mu.
func (s *Store) flush() {
	for _, c := range s.closed {
		if t, ok := s.timers[c.ID]; ok {
			t.Stop()
			delete(s.timers, c.ID)
		}
		s.emit(state.Delete(ItemKey(c.ID)))
		if s.onClose != nil {
			s.onClose(c)
		}
	}
	s.closed = s.closed[:0]
	s.emit(state.Set("notifications.count", state.Int(s.items.Len())))
}
