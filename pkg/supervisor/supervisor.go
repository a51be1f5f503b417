// Package supervisor runs every registered adapter, drives its lifecycle
// state machine, watches liveness and reconnects failed adapters with
// exponential backoff. Adapter failures stay contained: the hub and the other
// adapters keep running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

var (
	// ErrConnectTimeout is the failure cause when Ready is not reached in time.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrLivenessTimeout is the failure cause when a Degraded adapter stays
	// silent for too long.
	ErrLivenessTimeout = errors.New("liveness timeout")
)

// Hub is the part of the hub the supervisor writes to.
type Hub interface {
	Apply(adapter string, msg state.Message) (*state.ChangeEvent, error)
	Sweep(adapter string, since time.Time) []state.ChangeEvent
	SetAdapterState(adapter string, st adapters.State)
}

// Observer receives supervisor accounting. It is used for metrics.
type Observer interface {
	Transition(adapter string, from, to adapters.State)
	Restart(adapter string)
	Violation(adapter string)
}

// TransitionFunc is called after every lifecycle transition.
type TransitionFunc func(adapter string, from, to adapters.State)

// Config controls timing and limits.
type Config struct {
	ConnectTimeout  time.Duration
	LivenessTimeout time.Duration
	FailAfter       time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	// MessageBuffer bounds each adapter's queue towards the hub.
	MessageBuffer int

	// ViolationRate and ViolationBurst budget protocol violations per
	// adapter session; exceeding the budget drops the connection.
	ViolationRate  float64
	ViolationBurst int

	// NamespaceBackoff is the least delay before restarting an adapter that
	// wrote outside its namespaces.
	NamespaceBackoff time.Duration

	// StopTimeout bounds how long a cancelled adapter may take to return.
	StopTimeout time.Duration
}

// DefaultConfig returns the built-in timings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		LivenessTimeout:   30 * time.Second,
		FailAfter:         90 * time.Second,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.2,
		MessageBuffer:     128,
		ViolationRate:     1,
		ViolationBurst:    10,
		NamespaceBackoff:  5 * time.Second,
		StopTimeout:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.FailAfter <= 0 {
		c.FailAfter = d.FailAfter
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffJitter <= 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = d.BackoffJitter
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = d.MessageBuffer
	}
	if c.ViolationRate <= 0 {
		c.ViolationRate = d.ViolationRate
	}
	if c.ViolationBurst <= 0 {
		c.ViolationBurst = d.ViolationBurst
	}
	if c.NamespaceBackoff <= 0 {
		c.NamespaceBackoff = d.NamespaceBackoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Supervisor owns the adapter tasks.
type Supervisor struct {
	cfg      Config
	hub      Hub
	reg      *adapters.Registry
	logger   *slog.Logger
	observer Observer

	mu    sync.RWMutex
	hooks []TransitionFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// New returns a supervisor for the adapters in reg.
func New(cfg Config, hub Hub, reg *adapters.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		hub:    hub,
		reg:    reg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// OnTransition registers fn to run after every lifecycle transition.
func (s *Supervisor) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Run starts one task per registered adapter and blocks until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.reg.List() {
		a, ok := s.reg.Get(name)
		if !ok {
			continue
		}
		h, _ := s.reg.Handle(name)
		g.Go(func() error {
			s.runAdapter(ctx, a, h)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) runAdapter(ctx context.Context, a adapters.Adapter, h *adapters.Handle) {
	name := a.Name()
	logger := s.logger.With("adapter", name)
	b := s.newBackoff()

	s.hub.SetAdapterState(name, h.State())

	for {
		logger.Debug("connecting")
		fatal, err := s.runSession(ctx, a, h, b, logger)
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		if fatal {
			delay = max(delay, s.cfg.NamespaceBackoff)
			logger.Error("adapter task terminated, restarting", "error", err, "retry_in", delay)
		} else {
			logger.Info("adapter disconnected, reconnecting", "error", err, "retry_in", delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		s.transition(name, h, adapters.Connecting, nil)
		if s.observer != nil {
			s.observer.Restart(name)
		}
	}
}

// runSession runs one connection attempt until it ends. fatal reports that
// the adapter broke the namespace contract and restarts with the longer
// NamespaceBackoff delay.
func (s *Supervisor) runSession(ctx context.Context, a adapters.Adapter, h *adapters.Handle, b backoff.BackOff, logger *slog.Logger) (fatal bool, err error) {
	name := a.Name()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	sess := newSession(sctx, name, s, h, logger, start)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.pump()
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(sctx, sess)
	}()

	// stop cancels the session and waits for the adapter to return.
	stop := func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(s.cfg.StopTimeout):
			logger.Warn("adapter did not stop in time")
		}
		wg.Wait()
	}

	connect := time.NewTimer(s.cfg.ConnectTimeout)
	defer connect.Stop()
	tick := time.NewTicker(s.tickInterval())
	defer tick.Stop()

	var degradedAt time.Time

	for {
		select {
		case <-ctx.Done():
			stop()
			return false, ctx.Err()

		case <-sess.ready:
			connect.Stop()
			if h.State() == adapters.Connecting {
				s.transition(name, h, adapters.Live, nil)
				b.Reset()
			}

		case err := <-runErr:
			cancel()
			wg.Wait()
			if err == nil || errors.Is(err, context.Canceled) {
				err = adapters.ErrConnectionLost
			} else if !errors.Is(err, adapters.ErrConnectionLost) {
				err = fmt.Errorf("%w: %w", adapters.ErrConnectionLost, err)
			}
			s.lose(name, h, err)
			return false, err

		case <-connect.C:
			if h.State() != adapters.Connecting {
				continue
			}
			stop()
			s.transition(name, h, adapters.Failed, ErrConnectTimeout)
			return false, ErrConnectTimeout

		case <-sess.tooMany:
			stop()
			err := fmt.Errorf("%w: too many protocol violations", adapters.ErrConnectionLost)
			s.lose(name, h, err)
			return false, err

		case err := <-sess.fatal:
			stop()
			s.lose(name, h, err)
			return true, err

		case now := <-tick.C:
			seen := sess.lastSeen()
			switch h.State() {
			case adapters.Live:
				if now.Sub(seen) > s.cfg.LivenessTimeout {
					s.transition(name, h, adapters.Degraded, fmt.Errorf("no activity for %s", now.Sub(seen).Round(time.Millisecond)))
					degradedAt = now
				}
			case adapters.Degraded:
				if seen.After(degradedAt) {
					s.transition(name, h, adapters.Live, nil)
					continue
				}
				if now.Sub(degradedAt) > s.cfg.FailAfter {
					stop()
					s.transition(name, h, adapters.Failed, ErrLivenessTimeout)
					return false, ErrLivenessTimeout
				}
			}
		}
	}
}

// lose moves h to Failed along legal edges.
func (s *Supervisor) lose(name string, h *adapters.Handle, cause error) {
	switch h.State() {
	case adapters.Live:
		s.transition(name, h, adapters.Degraded, cause)
		s.transition(name, h, adapters.Failed, cause)
	case adapters.Connecting, adapters.Degraded:
		s.transition(name, h, adapters.Failed, cause)
	}
}

func (s *Supervisor) transition(name string, h *adapters.Handle, to adapters.State, cause error) {
	from, err := h.Transition(to, cause)
	if err != nil {
		s.logger.Error("refused lifecycle transition", "adapter", name, "error", err)
		return
	}
	s.hub.SetAdapterState(name, to)

	attrs := []any{"adapter", name, "from", from.String(), "to", to.String()}
	if cause != nil {
		attrs = append(attrs, "cause", cause)
	}
	if to == adapters.Failed || to == adapters.Degraded {
		s.logger.Warn("adapter state changed", attrs...)
	} else {
		s.logger.Info("adapter state changed", attrs...)
	}

	if s.observer != nil {
		s.observer.Transition(name, from, to)
	}
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(name, from, to)
	}
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.BackoffInitial,
		RandomizationFactor: s.cfg.BackoffJitter,
		Multiplier:          s.cfg.BackoffMultiplier,
		MaxInterval:         s.cfg.BackoffMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (s *Supervisor) tickInterval() time.Duration {
	d := s.cfg.LivenessTimeout
	if s.cfg.FailAfter < d {
		d = s.cfg.FailAfter
	}
	d /= 4
	switch {
	case d < 5*time.Millisecond:
		return 5 * time.Millisecond
	case d > time.Second:
		return time.Second
	}
	return d
}
