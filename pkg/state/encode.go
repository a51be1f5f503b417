package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the wire form of a Value: {"kind": "...", "value": ...}.
type envelope struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalValue encodes v with its kind tag. A nil value encodes as null.
func MarshalValue(v Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	var payload any = v
	if d, ok := v.(Duration); ok {
		payload = time.Duration(d).String()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s value: %w", v.Kind(), err)
	}
	return json.Marshal(envelope{Kind: v.Kind(), Value: raw})
}

// UnmarshalValue decodes a tagged value produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	if string(data) == "null" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	decode := func(dst any) error {
		if err := json.Unmarshal(env.Value, dst); err != nil {
			return fmt.Errorf("decode %s value: %w", env.Kind, err)
		}
		return nil
	}

	switch env.Kind {
	case KindPercent:
		var f float64
		err := decode(&f)
		return Percent(f), err
	case KindEnum:
		var s string
		err := decode(&s)
		return Enum(s), err
	case KindText:
		var s string
		err := decode(&s)
		return Text(s), err
	case KindBool:
		var b bool
		err := decode(&b)
		return Bool(b), err
	case KindInt:
		var i int64
		err := decode(&i)
		return Int(i), err
	case KindDuration:
		var s string
		if err := decode(&s); err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("decode duration value: %w", err)
		}
		return Duration(d), nil
	case KindWorkspace:
		var w Workspace
		err := decode(&w)
		return w, err
	case KindTrayItem:
		var t TrayItem
		err := decode(&t)
		return t, err
	case KindConnection:
		var c Connection
		err := decode(&c)
		return c, err
	case KindDevice:
		var d Device
		err := decode(&d)
		return d, err
	case KindNotification:
		var n Notification
		err := decode(&n)
		return n, err
	}
	return nil, fmt.Errorf("unknown value kind %q", env.Kind)
}

// entryJSON is the wire form of an Entry.
type entryJSON struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Stale     bool            `json:"stale,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (e Entry) MarshalJSON() ([]byte, error) {
	raw, err := MarshalValue(e.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryJSON{Key: e.Key, Value: raw, Stale: e.Stale, Owner: e.Owner, UpdatedAt: e.UpdatedAt})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v, err := UnmarshalValue(w.Value)
	if err != nil {
		return fmt.Errorf("entry %q: %w", w.Key, err)
	}
	*e = Entry{Key: w.Key, Value: v, Stale: w.Stale, Owner: w.Owner, UpdatedAt: w.UpdatedAt}
	return nil
}

type changeJSON struct {
	Seq       uint64          `json:"seq"`
	Key       string          `json:"key"`
	Old       json.RawMessage `json:"old"`
	New       json.RawMessage `json:"new"`
	Stale     bool            `json:"stale,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (c ChangeEvent) MarshalJSON() ([]byte, error) {
	oldRaw, err := MarshalValue(c.Old)
	if err != nil {
		return nil, err
	}
	newRaw, err := MarshalValue(c.New)
	if err != nil {
		return nil, err
	}
	return json.Marshal(changeJSON{
		Seq: c.Seq, Key: c.Key, Old: oldRaw, New: newRaw,
		Stale: c.Stale, Owner: c.Owner, Timestamp: c.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w changeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	oldV, err := UnmarshalValue(w.Old)
	if err != nil {
		return fmt.Errorf("change %q old: %w", w.Key, err)
	}
	newV, err := UnmarshalValue(w.New)
	if err != nil {
		return fmt.Errorf("change %q new: %w", w.Key, err)
	}
	*c = ChangeEvent{
		Seq: w.Seq, Key: w.Key, Old: oldV, New: newV,
		Stale: w.Stale, Owner: w.Owner, Timestamp: w.Timestamp,
	}
	return nil
}
