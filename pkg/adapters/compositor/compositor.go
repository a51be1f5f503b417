// Package compositor publishes the focused window, monitor, keyboard layout
// and submap of a Hyprland session.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/hyprland"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "compositor"

	WindowKey     = "compositor.window"
	ClassKey      = "compositor.window_class"
	MonitorKey    = "compositor.monitor"
	LayoutKey     = "compositor.layout"
	SubmapKey     = "compositor.submap"
	FullscreenKey = "compositor.fullscreen"
)

// DefaultSubmap is reported while no submap is active.
const DefaultSubmap = "default"

const defaultRefreshInterval = 10 * time.Second

// Focus is the compositor state shown by the bar.
type Focus struct {
	Class      string
	Title      string
	Monitor    string
	Layout     string
	Submap     string
	Fullscreen bool
}

// Messages renders f. The window keys are deleted while nothing has focus.
func (f Focus) Messages() []state.Message {
	submap := f.Submap
	if submap == "" {
		submap = DefaultSubmap
	}
	out := make([]state.Message, 0, 6)
	if f.Class == "" && f.Title == "" {
		out = append(out, state.Delete(WindowKey), state.Delete(ClassKey))
	} else {
		out = append(out,
			state.Set(WindowKey, state.Text(f.Title)),
			state.Set(ClassKey, state.Text(f.Class)),
		)
	}
	return append(out,
		state.Set(MonitorKey, state.Text(f.Monitor)),
		state.Set(LayoutKey, state.Text(f.Layout)),
		state.Set(SubmapKey, state.Text(submap)),
		state.Set(FullscreenKey, state.Bool(f.Fullscreen)),
	)
}

// Apply folds one event into f. It reports whether the focused window must
// be queried again; an error means the event data was malformed.
func (f *Focus) Apply(ev hyprland.Event) (reload bool, err error) {
	switch ev.Name {
	case "activewindow":
		p := ev.Fields(2)
		if len(p) != 2 {
			return true, adapters.Violation("activewindow %q", ev.Data)
		}
		f.Class, f.Title = p[0], p[1]
	case "activelayout":
		p := ev.Fields(2)
		if len(p) != 2 {
			return false, adapters.Violation("activelayout %q", ev.Data)
		}
		f.Layout = p[1]
	case "submap":
		f.Submap = strings.TrimSpace(ev.Data)
	case "focusedmon":
		p := ev.Fields(2)
		if len(p) != 2 || p[0] == "" {
			return true, adapters.Violation("focusedmon %q", ev.Data)
		}
		f.Monitor = p[0]
	case "fullscreen":
		switch ev.Data {
		case "0":
			f.Fullscreen = false
		case "1":
			f.Fullscreen = true
		default:
			return true, adapters.Violation("fullscreen %q", ev.Data)
		}
	case "closewindow", "movewindowv2", "workspacev2":
		return true, nil
	}
	return false, nil
}

// Adapter follows one Hyprland instance.
type Adapter struct {
	client          *hyprland.Client
	refreshInterval time.Duration
	logger          *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient pins the compositor client.
func WithClient(c *hyprland.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func WithRefreshInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.refreshInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{refreshInterval: defaultRefreshInterval, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

func (a *Adapter) resolve() (*hyprland.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := hyprland.NewClient()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	return c, nil
}

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	c, err := a.resolve()
	if err != nil {
		return err
	}
	stream, err := c.Events(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	defer stream.Close()

	var f Focus
	if err := query(ctx, c, &f); err != nil {
		return err
	}
	if err := emit(sink, f.Messages()); err != nil {
		return err
	}
	sink.Ready()

	events := stream.C(ctx)
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()

	for {
		reload := false
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-events:
			switch {
			case !ok:
				return fmt.Errorf("%w: event socket closed", adapters.ErrConnectionLost)
			case errors.Is(r.Err, hyprland.ErrMalformedEvent):
				sink.Violation(adapters.Violation("%v", r.Err))
				continue
			case errors.Is(r.Err, io.EOF):
				return fmt.Errorf("%w: compositor closed the event socket", adapters.ErrConnectionLost)
			case r.Err != nil:
				return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, r.Err)
			}
			var err error
			reload, err = f.Apply(r.Event)
			if err != nil {
				sink.Violation(err)
			}

		case <-ticker.C:
			reload = true
			sink.Beat()
		}

		if reload {
			if err := query(ctx, c, &f); err != nil {
				return err
			}
		}
		if err := emit(sink, f.Messages()); err != nil {
			return err
		}
	}
}

// query refreshes everything except the submap, which the compositor only
// reports through events.
func query(ctx context.Context, c *hyprland.Client, f *Focus) error {
	w, err := c.ActiveWindow(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	monitors, err := c.Monitors(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	devices, err := c.Devices(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}

	f.Class, f.Title, f.Fullscreen = w.Class, w.Title, bool(w.Fullscreen)
	for _, m := range monitors {
		if m.Focused {
			f.Monitor = m.Name
		}
	}
	f.Layout = devices.MainKeymap()
	return nil
}

func emit(sink adapters.Sink, msgs []state.Message) error {
	for _, m := range msgs {
		if err := sink.Emit(m); err != nil {
			return err
		}
	}
	return nil
}

// Execute supports dispatch {args}, passing args to the compositor verbatim.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	if cmd.Action != "dispatch" {
		return adapters.Unsupported(Name, cmd.Action)
	}
	args := strings.TrimSpace(cmd.Param("args", ""))
	if args == "" {
		return adapters.Reject(Name, errors.New("missing dispatcher arguments"))
	}
	c, err := a.resolve()
	if err != nil {
		return err
	}
	a.logger.Debug("dispatch", "args", args, "correlation", cmd.CorrelationID)
	err = c.Dispatch(ctx, args)
	var de *hyprland.DispatchError
	if errors.As(err, &de) {
		return adapters.Reject(Name, err)
	}
	return err
}
