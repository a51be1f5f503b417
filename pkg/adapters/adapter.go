// Package adapters defines the contract, lifecycle and registry for status
// source adapters. Each adapter (power, network, bluetooth, audio, tray,
// workspaces, ...) owns one backend connection, translates its native events
// into state messages and executes commands against it. Adapters are driven
// by the supervisor, which feeds their messages into the hub.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/state"
)

var (
	// ErrConnectionLost reports that the backend connection dropped.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProtocolViolation reports malformed or unexpected backend input.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnsupportedAction is returned by Execute for unknown actions.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// Adapter is the interface all status sources implement. Implementations
// live in sub-packages (e.g., pkg/adapters/power) and are registered with the
// Registry at startup.
type Adapter interface {
	// Name returns a unique identifier for this adapter (e.g., "power").
	Name() string

	// Namespaces returns the top-level key segments this adapter owns.
	// Emitting a key outside them is a fatal error for the adapter task.
	Namespaces() []string

	// Run connects to the backend and streams state into sink until ctx is
	// cancelled or the connection fails. Run calls sink.Ready once the
	// initial state has been emitted. A returned error is treated as a lost
	// connection.
	Run(ctx context.Context, sink Sink) error

	// Execute performs a command against the backend. It returns nil when
	// the backend accepted the request; the resulting state change arrives
	// through Run. A backend refusal is reported as a *RejectedError.
	Execute(ctx context.Context, cmd Command) error
}

// Sink receives the output of a running adapter session.
type Sink interface {
	// Ready marks the end of the initial state dump. Keys owned by the
	// adapter that were not re-emitted since the session started are
	// removed.
	Ready()

	// Emit queues a message for the hub. It blocks while the adapter's
	// buffer is full and fails once the session has ended.
	Emit(msg state.Message) error

	// Beat signals liveness without a state change.
	Beat()

	// Violation reports malformed backend input. The session continues,
	// but too many violations in a short window tear it down.
	Violation(err error)
}

// Command is a user intent routed to the adapter owning Target.
type Command struct {
	// Target is an adapter name or a key owned by the adapter.
	Target string `json:"target"`

	// Action is adapter specific (e.g., "toggle-power", "select").
	Action string `json:"action"`

	Params map[string]string `json:"params,omitempty"`

	// CorrelationID is generated when empty.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Timeout overrides the router's default deadline when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Param returns the named parameter or def when absent.
func (c Command) Param(name, def string) string {
	if v, ok := c.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// RejectedError carries a backend's refusal verbatim.
type RejectedError struct {
	Adapter string
	Reason  string
}

func (e *RejectedError) Error() string {
	if e.Adapter == "" {
		return "command rejected: " + e.Reason
	}
	return fmt.Sprintf("command rejected by %s: %s", e.Adapter, e.Reason)
}

// Reject wraps a backend error as a *RejectedError, keeping its text.
func Reject(adapter string, err error) error {
	if err == nil {
		return nil
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return err
	}
	return &RejectedError{Adapter: adapter, Reason: err.Error()}
}

// Unsupported returns the error for an action the adapter does not know.
func Unsupported(adapter, action string) error {
	return fmt.Errorf("%s: %w %q", adapter, ErrUnsupportedAction, action)
}

// Violation builds a protocol violation error.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
