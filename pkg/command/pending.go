package command

import (
	"context"
	"sync"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
)

// Status is the resolution of a command.
type Status int

const (
	InFlight Status = iota
	Applied
	Rejected
)

func (s Status) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome is the terminal result of a command.
type Outcome struct {
	Adapter string
	Status  Status
	Err     error
}

// Reason returns the rejection text, or "" when applied.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Pending tracks a submitted command until it resolves.
type Pending struct {
	cmd     adapters.Command
	adapter string
	router  *Router

	ctx        context.Context
	cancelExec context.CancelFunc
	timer      *time.Timer

	mu      sync.Mutex
	outcome Outcome
	done    chan struct{}
}

func newPending(cmd adapters.Command) *Pending {
	return &Pending{
		cmd:        cmd,
		cancelExec: func() {},
		done:       make(chan struct{}),
	}
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.cmd.CorrelationID }

// Command returns the submitted command.
func (p *Pending) Command() adapters.Command { return p.cmd }

// Done is closed once the command resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome returns the current outcome; Status is InFlight until Done.
func (p *Pending) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Wait blocks until the command resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel resolves the command as cancelled if it has not resolved yet and
// asks the backend call, if running, to stop. It is safe to call repeatedly.
func (p *Pending) Cancel() {
	if p.router == nil {
		return
	}
	p.router.finish(p, Outcome{Status: Rejected, Err: ErrCancelled})
	p.cancelExec()
}

func (p *Pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// resolve records o if p is unresolved and reports whether it did.
func (p *Pending) resolve(o Outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome.Status != InFlight {
		return false
	}
	if o.Adapter == "" {
		o.Adapter = p.adapter
	}
	p.outcome = o
	close(p.done)
	return true
}
