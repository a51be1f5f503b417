package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/hub"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// item is one entry of the session queue; ready marks the end of the
// initial dump.
type item struct {
	msg   state.Message
	ready bool
}

// session is the adapters.Sink handed to one Run call. Messages are queued
// and applied to the hub by a single pump goroutine, so per-adapter order
// is preserved.
type session struct {
	ctx    context.Context
	name   string
	sup    *Supervisor
	handle *adapters.Handle
	logger *slog.Logger
	start  time.Time

	items   chan item
	ready   chan struct{}
	tooMany chan struct{}
	fatal   chan error

	seen    atomic.Int64
	readied bool // pump goroutine only
	limiter *rate.Limiter
}

func newSession(ctx context.Context, name string, sup *Supervisor, h *adapters.Handle, logger *slog.Logger, start time.Time) *session {
	s := &session{
		ctx:     ctx,
		name:    name,
		sup:     sup,
		handle:  h,
		logger:  logger,
		start:   start,
		items:   make(chan item, sup.cfg.MessageBuffer),
		ready:   make(chan struct{}, 1),
		tooMany: make(chan struct{}, 1),
		fatal:   make(chan error, 1),
		limiter: rate.NewLimiter(rate.Limit(sup.cfg.ViolationRate), sup.cfg.ViolationBurst),
	}
	s.seen.Store(start.UnixNano())
	return s
}

// Ready implements adapters.Sink.
func (s *session) Ready() {
	s.touch()
	select {
	case s.items <- item{ready: true}:
	case <-s.ctx.Done():
	}
}

// Emit implements adapters.Sink. It blocks while the queue is full.
func (s *session) Emit(msg state.Message) error {
	s.touch()
	select {
	case s.items <- item{msg: msg}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Beat implements adapters.Sink.
func (s *session) Beat() { s.touch() }

// Violation implements adapters.Sink.
func (s *session) Violation(err error) {
	s.handle.RecordViolation(err)
	if s.sup.observer != nil {
		s.sup.observer.Violation(s.name)
	}
	s.logger.Warn("protocol violation", "error", err)
	if !s.limiter.Allow() {
		select {
		case s.tooMany <- struct{}{}:
		default:
		}
	}
}

func (s *session) touch() {
	s.seen.Store(time.Now().UnixNano())
}

func (s *session) lastSeen() time.Time {
	return time.Unix(0, s.seen.Load())
}

func (s *session) pump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case it := <-s.items:
			if it.ready {
				s.markReady()
				continue
			}
			_, err := s.sup.hub.Apply(s.name, it.msg)
			switch {
			case err == nil:
				s.handle.RecordMessage()
			case errors.Is(err, hub.ErrKeyNamespaceViolation):
				s.handle.RecordViolation(err)
				if s.sup.observer != nil {
					s.sup.observer.Violation(s.name)
				}
				select {
				case s.fatal <- err:
				default:
				}
				return
			default:
				s.Violation(err)
			}
		}
	}
}

// markReady sweeps keys the new session did not re-emit. Only the first
// Ready of a session counts.
func (s *session) markReady() {
	if s.readied {
		return
	}
	s.readied = true
	if swept := s.sup.hub.Sweep(s.name, s.start); len(swept) > 0 {
		s.logger.Debug("removed keys not reported after reconnect", "count", len(swept))
	}
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
