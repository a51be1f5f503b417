// Package statusbar assembles the hub, the subscription registry, the
// command router and the supervisor into the surface a bar renders from.
package statusbar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/command"
	"github.com/eucalyptus-twig/twig/pkg/hub"
	"github.com/eucalyptus-twig/twig/pkg/state"
	"github.com/eucalyptus-twig/twig/pkg/subscribe"
	"github.com/eucalyptus-twig/twig/pkg/supervisor"
)

// ErrRunning is returned by Register once Run has started.
var ErrRunning = errors.New("status bar already running")

// Observer receives every accounting hook of the core. The metrics
// package implements it.
type Observer interface {
	hub.Observer
	subscribe.Observer
	command.Observer
	supervisor.Observer
}

// Config groups the tunables of the core components.
type Config struct {
	MailboxSize int
	Supervisor  supervisor.Config
	Commands    command.Config
}

// DefaultConfig returns the built-in tunables.
func DefaultConfig() Config {
	return Config{
		MailboxSize: subscribe.DefaultMailboxSize,
		Supervisor:  supervisor.DefaultConfig(),
		Commands:    command.DefaultConfig(),
	}
}

// Option configures a Bar.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer Observer
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver installs an Observer on all components.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Bar is the status aggregation core.
type Bar struct {
	logger *slog.Logger
	hub    *hub.Hub
	reg    *adapters.Registry
	router *command.Router
	sup    *supervisor.Supervisor

	mu      sync.Mutex
	running bool
}

// New builds a Bar with no adapters.
func New(cfg Config, opts ...Option) *Bar {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	hubOpts := []hub.Option{hub.WithLogger(o.logger)}
	subOpts := []subscribe.Option{}
	if cfg.MailboxSize > 0 {
		subOpts = append(subOpts, subscribe.WithMailboxSize(cfg.MailboxSize))
	}
	routerOpts := []command.Option{command.WithLogger(o.logger)}
	supOpts := []supervisor.Option{supervisor.WithLogger(o.logger)}
	if o.observer != nil {
		hubOpts = append(hubOpts, hub.WithObserver(o.observer))
		subOpts = append(subOpts, subscribe.WithObserver(o.observer))
		routerOpts = append(routerOpts, command.WithObserver(o.observer))
		supOpts = append(supOpts, supervisor.WithObserver(o.observer))
	}
	hubOpts = append(hubOpts, hub.WithSubscribeOptions(subOpts...))

	b := &Bar{
		logger: o.logger,
		hub:    hub.New(hubOpts...),
		reg:    adapters.NewRegistry(),
	}
	b.router = command.NewRouter(b, cfg.Commands, routerOpts...)
	b.sup = supervisor.New(cfg.Supervisor, b.hub, b.reg, supOpts...)
	b.sup.OnTransition(func(name string, _, to adapters.State) {
		if to == adapters.Failed {
			b.router.AdapterFailed(name)
		}
	})
	return b
}

// Register adds an adapter and claims its namespaces. It must be called
// before Run.
func (b *Bar) Register(a adapters.Adapter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrRunning
	}
	if err := b.reg.Register(a); err != nil {
		return fmt.Errorf("register %s: %w", a.Name(), err)
	}
	if err := b.hub.Claim(a.Name(), a.Namespaces()...); err != nil {
		b.reg.Unregister(a.Name())
		return fmt.Errorf("register %s: %w", a.Name(), err)
	}
	b.logger.Debug("adapter registered", "adapter", a.Name(), "namespaces", a.Namespaces())
	return nil
}

// OnTransition registers fn to run after every adapter lifecycle change.
func (b *Bar) OnTransition(fn supervisor.TransitionFunc) {
	b.sup.OnTransition(fn)
}

// Run supervises all registered adapters until ctx is cancelled, then
// rejects pending commands and closes every subscription.
func (b *Bar) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrRunning
	}
	b.running = true
	b.mu.Unlock()

	b.logger.Info("status hub starting", "adapters", b.reg.List())
	defer b.hub.Close()
	defer b.router.Close()

	err := b.sup.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	b.logger.Info("status hub stopped")
	return err
}

// Subscribe registers a subscriber. The returned entries are the state
// that the first delivered event applies on top of.
func (b *Bar) Subscribe(id string, filters ...string) (*subscribe.Subscription, []state.Entry, error) {
	return b.hub.Subscribe(id, filters...)
}

// Unsubscribe ends the subscription with the given id.
func (b *Bar) Unsubscribe(id string) { b.hub.Unsubscribe(id) }

// Snapshot returns the entries under prefix.
func (b *Bar) Snapshot(prefix string) []state.Entry { return b.hub.Snapshot(prefix) }

// Get returns one entry.
func (b *Bar) Get(key string) (state.Entry, bool) { return b.hub.Get(key) }

// Submit routes a command to the adapter owning its target.
func (b *Bar) Submit(cmd adapters.Command) *command.Pending { return b.router.Submit(cmd) }

// Workspaces returns the workspace list in display order.
func (b *Bar) Workspaces() []state.Workspace {
	return state.Workspaces(b.hub.Snapshot("workspace."))
}

// TrayItems returns the tray items in display order.
func (b *Bar) TrayItems() []state.TrayItem {
	return state.TrayItems(b.hub.Snapshot("tray."))
}

// Notifications returns the notification list, newest first.
func (b *Bar) Notifications() []state.Notification {
	return state.Notifications(b.hub.Snapshot("notifications.item."))
}

// Adapters returns the lifecycle status of every adapter.
func (b *Bar) Adapters() []adapters.Status { return b.reg.AllStatus() }

// Subscribers returns the ids of the current subscribers.
func (b *Bar) Subscribers() []string { return b.hub.Subscribers().List() }

// Seq returns the sequence number of the last published event.
func (b *Bar) Seq() uint64 { return b.hub.Seq() }

// Resolve implements command.Directory. target is an adapter name or a key
// inside a claimed namespace.
func (b *Bar) Resolve(target string) (adapters.Adapter, bool) {
	if a, ok := b.reg.Get(target); ok {
		return a, true
	}
	owner, ok := b.hub.Owner(target)
	if !ok {
		return nil, false
	}
	return b.reg.Get(owner)
}

// State implements command.Directory.
func (b *Bar) State(name string) adapters.State {
	h, ok := b.reg.Handle(name)
	if !ok {
		return adapters.Failed
	}
	return h.State()
}
