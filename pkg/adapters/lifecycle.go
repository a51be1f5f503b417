package adapters

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of an adapter connection.
type State int

const (
	Connecting State = iota
	Live
	Degraded
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for _, st := range []State{Connecting, Live, Degraded, Failed} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown adapter state %q", s)
}

// Stale reports whether keys owned by an adapter in this state should be
// flagged stale.
func (s State) Stale() bool {
	return s == Degraded || s == Failed
}

// ErrIllegalTransition is returned when a lifecycle edge is not allowed.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	switch from {
	case Connecting:
		return to == Live || to == Failed
	case Live:
		return to == Degraded
	case Degraded:
		return to == Live || to == Failed
	case Failed:
		return to == Connecting
	}
	return false
}

// Status is a snapshot of a handle.
type Status struct {
	Name       string        `json:"name"`
	State      State         `json:"-"`
	StateName  string        `json:"state"`
	Since      time.Time     `json:"since"`
	LastError  string        `json:"last_error,omitempty"`
	Sessions   int64         `json:"sessions"`
	Messages   int64         `json:"messages"`
	Violations int64         `json:"violations"`
	LastUptime time.Duration `json:"last_uptime"`
}

// Handle tracks the lifecycle of one adapter. It is safe for concurrent use.
type Handle struct {
	mu     sync.RWMutex
	status Status
}

func newHandle(name string) *Handle {
	return &Handle{status: Status{
		Name:      name,
		State:     Connecting,
		StateName: Connecting.String(),
		Since:     time.Now(),
	}}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.State
}

// Transition moves the handle to the given state. cause, if non-nil, is
// recorded as the last error. Edges not allowed by CanTransition are
// refused and leave the handle unchanged.
func (h *Handle) Transition(to State, cause error) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	from := h.status.State
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	now := time.Now()
	if from == Live && to == Degraded {
		h.status.LastUptime = now.Sub(h.status.Since)
	}
	if to == Connecting {
		h.status.Sessions++
	}
	h.status.State = to
	h.status.StateName = to.String()
	h.status.Since = now
	if cause != nil {
		h.status.LastError = cause.Error()
	}
	return from, nil
}

// Status returns a copy of the handle's status.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// RecordMessage increments the applied-message counter.
func (h *Handle) RecordMessage() {
	h.mu.Lock()
	h.status.Messages++
	h.mu.Unlock()
}

// RecordViolation increments the violation counter and remembers err.
func (h *Handle) RecordViolation(err error) {
	h.mu.Lock()
	h.status.Violations++
	h.status.LastError = err.Error()
	h.mu.Unlock()
}
