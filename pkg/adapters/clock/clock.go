// Package clock publishes the local time and date.
package clock

import (
	"context"
	"strings"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const Name = "clock"

// beatInterval bounds the wait between ticks so a minute-resolution clock
// still reports liveness well inside the supervisor's timeout.
const beatInterval = 10 * time.Second

// Config holds Go time layouts for the two keys.
type Config struct {
	TimeLayout string
	DateLayout string

	// Location overrides the local zone when non-nil.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		TimeLayout: "3:04 PM",
		DateLayout: "01/02 Mon",
	}
}

// Adapter ticks on the smallest unit its layouts display.
type Adapter struct {
	cfg Config
	now func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithNow replaces time.Now.
func WithNow(fn func() time.Time) Option {
	return func(a *Adapter) { a.now = fn }
}

func New(cfg Config, opts ...Option) *Adapter {
	def := DefaultConfig()
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = def.TimeLayout
	}
	if cfg.DateLayout == "" {
		cfg.DateLayout = def.DateLayout
	}
	a := &Adapter{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	step := Resolution(a.cfg.TimeLayout + " " + a.cfg.DateLayout)
	ready := false
	for {
		now := a.now()
		if a.cfg.Location != nil {
			now = now.In(a.cfg.Location)
		}
		for _, msg := range Messages(now, a.cfg) {
			if err := sink.Emit(msg); err != nil {
				return err
			}
		}
		if !ready {
			sink.Ready()
			ready = true
		} else {
			sink.Beat()
		}

		t := time.NewTimer(min(untilNext(now, step), beatInterval))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (a *Adapter) Execute(_ context.Context, cmd adapters.Command) error {
	return adapters.Unsupported(Name, cmd.Action)
}

// Messages formats t with the configured layouts.
func Messages(t time.Time, cfg Config) []state.Message {
	return []state.Message{
		state.Set("clock.time", state.Text(t.Format(cfg.TimeLayout))),
		state.Set("clock.date", state.Text(t.Format(cfg.DateLayout))),
	}
}

// Resolution reports how often output of layout can change: every second
// when it shows seconds, every minute otherwise.
func Resolution(layout string) time.Duration {
	if strings.Contains(layout, "05") || strings.Contains(layout, ":5") {
		return time.Second
	}
	return time.Minute
}

func untilNext(now time.Time, step time.Duration) time.Duration {
	d := now.Truncate(step).Add(step).Sub(now)
	if d <= 0 {
		return step
	}
	return d
}
