package adapters

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eucalyptus-twig/twig/pkg/state"
)

// MockAdapter implements Adapter for testing. By default Run emits the
// configured initial messages, calls Ready, then forwards anything pushed
// with Push until ctx is cancelled.
type MockAdapter struct {
	name       string
	namespaces []string
	initial    []state.Message
	runErr     error
	execErr    error

	mu       sync.Mutex
	commands []Command
	push     chan state.Message

	runCount  atomic.Int64
	execCount atomic.Int64

	// RunFunc, if set, overrides the default Run behavior.
	RunFunc func(ctx context.Context, sink Sink) error

	// ExecuteFunc, if set, overrides the default Execute behavior.
	ExecuteFunc func(ctx context.Context, cmd Command) error
}

// MockAdapterOption configures a MockAdapter.
type MockAdapterOption func(*MockAdapter)

// WithMessages sets the messages emitted at the start of every session.
func WithMessages(msgs ...state.Message) MockAdapterOption {
	return func(m *MockAdapter) { m.initial = msgs }
}

// WithRunError makes Run return err immediately after the initial dump.
func WithRunError(err error) MockAdapterOption {
	return func(m *MockAdapter) { m.runErr = err }
}

// WithExecuteError sets the error returned by Execute.
func WithExecuteError(err error) MockAdapterOption {
	return func(m *MockAdapter) { m.execErr = err }
}

// WithRunFunc sets a custom function for Run.
func WithRunFunc(fn func(ctx context.Context, sink Sink) error) MockAdapterOption {
	return func(m *MockAdapter) { m.RunFunc = fn }
}

// WithExecuteFunc sets a custom function for Execute.
func WithExecuteFunc(fn func(ctx context.Context, cmd Command) error) MockAdapterOption {
	return func(m *MockAdapter) { m.ExecuteFunc = fn }
}

// NewMockAdapter creates a mock adapter owning the given namespaces. When no
// namespace is given the adapter owns its own name.
func NewMockAdapter(name string, namespaces []string, opts ...MockAdapterOption) *MockAdapter {
	if len(namespaces) == 0 {
		namespaces = []string{name}
	}
	m := &MockAdapter{
		name:       name,
		namespaces: namespaces,
		push:       make(chan state.Message, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the adapter name.
func (m *MockAdapter) Name() string { return m.name }

// Namespaces returns the owned namespaces.
func (m *MockAdapter) Namespaces() []string { return m.namespaces }

// Push queues a message for the running session.
func (m *MockAdapter) Push(msg state.Message) { m.push <- msg }

// Run performs a mock session.
func (m *MockAdapter) Run(ctx context.Context, sink Sink) error {
	m.runCount.Add(1)

	if m.RunFunc != nil {
		return m.RunFunc(ctx, sink)
	}

	for _, msg := range m.initial {
		if err := sink.Emit(msg); err != nil {
			return err
		}
	}
	if m.runErr != nil {
		return m.runErr
	}
	sink.Ready()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.push:
			if err := sink.Emit(msg); err != nil {
				return err
			}
		}
	}
}

// Execute records the command and returns the configured error, or
// delegates to ExecuteFunc if set.
func (m *MockAdapter) Execute(ctx context.Context, cmd Command) error {
	m.execCount.Add(1)
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, cmd)
	}
	return m.execErr
}

// Commands returns the commands received so far.
func (m *MockAdapter) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// RunCount returns how many sessions have been started.
func (m *MockAdapter) RunCount() int64 { return m.runCount.Load() }

// ExecuteCount returns how many times Execute has been called.
func (m *MockAdapter) ExecuteCount() int64 { return m.execCount.Load() }

// RecordingSink is a Sink that stores everything it receives. It is meant
// for adapter unit tests.
type RecordingSink struct {
	mu         sync.Mutex
	messages   []state.Message
	violations []error
	ready      int
	beats      int
	notify     chan struct{}
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

func (s *RecordingSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Ready implements Sink.
func (s *RecordingSink) Ready() {
	s.mu.Lock()
	s.ready++
	s.mu.Unlock()
	s.signal()
}

// Emit implements Sink.
func (s *RecordingSink) Emit(msg state.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Beat implements Sink.
func (s *RecordingSink) Beat() {
	s.mu.Lock()
	s.beats++
	s.mu.Unlock()
}

// Violation implements Sink.
func (s *RecordingSink) Violation(err error) {
	s.mu.Lock()
	s.violations = append(s.violations, err)
	s.mu.Unlock()
	s.signal()
}

// Messages returns a copy of the emitted messages.
func (s *RecordingSink) Messages() []state.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Latest returns the last value emitted for key, whether it was deleted, and
// whether the key was seen at all.
func (s *RecordingSink) Latest(key string) (v state.Value, deleted, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Key == key {
			return s.messages[i].Value, s.messages[i].Delete, true
		}
	}
	return nil, false, false
}

// Violations returns the reported violations.
func (s *RecordingSink) Violations() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.violations))
	copy(out, s.violations)
	return out
}

// ReadyCount returns how many times Ready was called.
func (s *RecordingSink) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Changed is signalled (without blocking) whenever the sink receives input.
func (s *RecordingSink) Changed() <-chan struct{} { return s.notify }
