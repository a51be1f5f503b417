// Package command routes user intents to the adapter that owns their target.
// Submission never blocks: the caller gets a Pending handle that resolves to
// Applied or Rejected. Commands for one adapter execute in submission order on
// a dedicated worker; adapters never wait on each other.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
)

var (
	// ErrAdapterUnavailable means the target adapter is Failed.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrTimeout means the deadline passed before the backend answered.
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled means the caller cancelled the command.
	ErrCancelled = errors.New("command cancelled")

	// ErrUnknownTarget means no adapter owns the target.
	ErrUnknownTarget = errors.New("unknown command target")

	// ErrQueueFull means the adapter's command queue is full.
	ErrQueueFull = errors.New("command queue full")

	// ErrDuplicateCorrelation means the correlation id is already in flight.
	ErrDuplicateCorrelation = errors.New("duplicate correlation id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("router closed")
)

// Directory resolves command targets. Resolve accepts an adapter name or a
// key owned by an adapter.
type Directory interface {
	Resolve(target string) (adapters.Adapter, bool)
	State(adapter string) adapters.State
}

// Observer receives terminal outcomes. It is used for metrics.
type Observer interface {
	Outcome(adapter string, o Outcome)
}

// Config controls router limits.
type Config struct {
	// DefaultTimeout applies to commands without their own Timeout.
	DefaultTimeout time.Duration

	// ExecTimeout caps how long a backend call may run after its deadline
	// resolved the command locally.
	ExecTimeout time.Duration

	// QueueSize bounds each adapter's pending commands.
	QueueSize int
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 3 * time.Second,
		ExecTimeout:    30 * time.Second,
		QueueSize:      32,
	}
}

// Router dispatches commands. It is safe for concurrent use.
type Router struct {
	dir      Directory
	cfg      Config
	logger   *slog.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[string]*worker
	inflight map[string]map[string]*Pending // adapter -> correlation id
	closed   bool
}

type worker struct {
	queue chan *Pending
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// NewRouter returns a router resolving targets through dir.
func NewRouter(dir Directory, cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		dir:      dir,
		cfg:      cfg,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
		inflight: make(map[string]map[string]*Pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Submit routes cmd and returns immediately. The returned Pending is
// already resolved when the command cannot be accepted.
func (r *Router) Submit(cmd adapters.Command) *Pending {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	p := newPending(cmd)

	a, ok := r.dir.Resolve(cmd.Target)
	if !ok {
		p.resolve(Outcome{Status: Rejected, Err: fmt.Errorf("%w: %q", ErrUnknownTarget, cmd.Target)})
		return p
	}
	name := a.Name()
	p.adapter = name
	p.outcome.Adapter = name

	if r.dir.State(name) == adapters.Failed {
		r.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: %s", ErrAdapterUnavailable, name)})
		return p
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.finish(p, Outcome{Status: Rejected, Err: ErrClosed})
		return p
	}
	ids := r.inflight[name]
	if ids == nil {
		ids = make(map[string]*Pending)
		r.inflight[name] = ids
	}
	if _, dup := ids[cmd.CorrelationID]; dup {
		r.mu.Unlock()
		p.resolve(Outcome{Adapter: name, Status: Rejected, Err: fmt.Errorf("%w: %s", ErrDuplicateCorrelation, cmd.CorrelationID)})
		return p
	}
	w := r.workerLocked(name, a)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	execTimeout := r.cfg.ExecTimeout
	if execTimeout < timeout {
		execTimeout = timeout
	}
	p.ctx, p.cancelExec = context.WithTimeout(r.ctx, execTimeout)
	p.router = r

	ids[cmd.CorrelationID] = p
	p.timer = time.AfterFunc(timeout, func() {
		r.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)})
	})
	select {
	case w.queue <- p:
	default:
		delete(ids, cmd.CorrelationID)
		p.timer.Stop()
		r.mu.Unlock()
		p.cancelExec()
		r.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: %s", ErrQueueFull, name)})
		return p
	}
	r.mu.Unlock()

	r.logger.Debug("command queued", "adapter", name, "action", cmd.Action, "id", cmd.CorrelationID)
	return p
}

// AdapterFailed rejects every command in flight for adapter. The supervisor
// calls it when the adapter enters Failed.
func (r *Router) AdapterFailed(name string) {
	r.mu.Lock()
	pending := make([]*Pending, 0, len(r.inflight[name]))
	for _, p := range r.inflight[name] {
		pending = append(pending, p)
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: %s", ErrAdapterUnavailable, name)})
		p.cancelExec()
	}
}

// InFlight returns the number of unresolved commands for adapter.
func (r *Router) InFlight(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight[name])
}

// Close stops all workers and rejects commands still queued.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var pending []*Pending
	for _, ids := range r.inflight {
		for _, p := range ids {
			pending = append(pending, p)
		}
	}
	for _, w := range r.workers {
		close(w.queue)
	}
	r.mu.Unlock()

	for _, p := range pending {
		r.finish(p, Outcome{Status: Rejected, Err: ErrClosed})
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Router) workerLocked(name string, a adapters.Adapter) *worker {
	if w, ok := r.workers[name]; ok {
		return w
	}
	w := &worker{queue: make(chan *Pending, r.cfg.QueueSize)}
	r.workers[name] = w
	r.wg.Add(1)
	go r.runWorker(name, a, w)
	return w
}

func (r *Router) runWorker(name string, a adapters.Adapter, w *worker) {
	defer r.wg.Done()
	logger := r.logger.With("adapter", name)

	for p := range w.queue {
		if p.resolved() {
			p.cancelExec()
			continue
		}
		if r.dir.State(name) == adapters.Failed {
			r.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: %s", ErrAdapterUnavailable, name)})
			continue
		}

		start := time.Now()
		err := a.Execute(p.ctx, p.cmd)
		p.cancelExec()

		if p.resolved() {
			logger.Debug("late backend result discarded",
				"action", p.cmd.Action, "id", p.cmd.CorrelationID, "error", err, "latency", time.Since(start))
			continue
		}
		if err != nil {
			logger.Info("command rejected", "action", p.cmd.Action, "id", p.cmd.CorrelationID, "error", err)
			r.finish(p, Outcome{Status: Rejected, Err: err})
			continue
		}
		logger.Debug("command applied", "action", p.cmd.Action, "id", p.cmd.CorrelationID, "latency", time.Since(start))
		r.finish(p, Outcome{Status: Applied})
	}
}

// finish resolves p (first outcome wins) and forgets it.
func (r *Router) finish(p *Pending, o Outcome) {
	o.Adapter = p.adapter
	if !p.resolve(o) {
		return
	}

	r.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	if ids := r.inflight[p.adapter]; ids != nil && ids[p.cmd.CorrelationID] == p {
		delete(ids, p.cmd.CorrelationID)
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.Outcome(p.adapter, p.Outcome())
	}
}
