// Package workspaces mirrors the Hyprland workspace list.
//
// The event socket drives incremental updates of the active and special
// workspace. Events that change the set of workspaces or their window
// counts schedule a debounced full reload through j/workspaces, which also
// repairs the model after a malformed event.
package workspaces

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/hyprland"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name      = "workspaces"
	Namespace = "workspace"

	ActiveKey  = "workspace.active"
	SpecialKey = "workspace.special"
)

const (
	defaultRefreshInterval = 10 * time.Second
	debounce               = 50 * time.Millisecond
)

// reloadEvents change window counts, monitors or names, which the event data
// does not carry.
var reloadEvents = map[string]bool{
	"createworkspacev2":  true,
	"destroyworkspacev2": true,
	"moveworkspacev2":    true,
	"renameworkspace":    true,
	"openwindow":         true,
	"closewindow":        true,
	"movewindowv2":       true,
	"monitoraddedv2":     true,
	"monitorremoved":     true,
}

// Key returns the state key of w. Special workspaces are keyed by name
// since their negative ids are reused.
func Key(w state.Workspace) string {
	if w.Special {
		return state.Join(Namespace, state.Sanitize(w.Name))
	}
	return state.Join(Namespace, strconv.Itoa(w.ID))
}

// Model is the adapter's view of the compositor.
type Model struct {
	workspaces map[int]state.Workspace
	active     int
	special    string
	emitted    map[string]bool
}

func NewModel() *Model {
	return &Model{workspaces: make(map[int]state.Workspace), emitted: make(map[string]bool)}
}

// Load replaces the model with a full listing.
func (m *Model) Load(list []hyprland.Workspace, active int, special string) {
	m.workspaces = make(map[int]state.Workspace, len(list))
	for _, w := range list {
		m.workspaces[w.ID] = state.Workspace{
			ID:      w.ID,
			Name:    w.Name,
			Monitor: w.Monitor,
			Windows: w.Windows,
			Special: w.Special(),
		}
	}
	m.active = active
	m.special = special
}

// Apply folds one event into the model. It reports whether a full reload
// is needed; an error means the event data was malformed.
func (m *Model) Apply(ev hyprland.Event) (reload bool, err error) {
	switch ev.Name {
	case "workspacev2":
		f := ev.Fields(2)
		id, err := strconv.Atoi(f[0])
		if err != nil || len(f) != 2 {
			return true, adapters.Violation("workspacev2 %q", ev.Data)
		}
		m.active = id
		_, known := m.workspaces[id]
		return !known, nil

	case "focusedmonv2":
		f := ev.Fields(2)
		if len(f) != 2 {
			return true, adapters.Violation("focusedmonv2 %q", ev.Data)
		}
		id, err := strconv.Atoi(f[1])
		if err != nil {
			return true, adapters.Violation("focusedmonv2 %q", ev.Data)
		}
		m.active = id
		return false, nil

	case "activespecialv2":
		f := ev.Fields(3)
		if len(f) != 3 {
			return true, adapters.Violation("activespecialv2 %q", ev.Data)
		}
		if f[0] == "" {
			m.special = ""
			return false, nil
		}
		if _, err := strconv.Atoi(f[0]); err != nil {
			return true, adapters.Violation("activespecialv2 %q", ev.Data)
		}
		m.special = f[1]
		return false, nil

	case "createworkspacev2":
		f := ev.Fields(2)
		id, err := strconv.Atoi(f[0])
		if err != nil || len(f) != 2 {
			return true, adapters.Violation("createworkspacev2 %q", ev.Data)
		}
		w := hyprland.Workspace{ID: id, Name: f[1]}
		m.workspaces[id] = state.Workspace{ID: id, Name: f[1], Special: w.Special()}
		return true, nil

	case "destroyworkspacev2":
		f := ev.Fields(2)
		id, err := strconv.Atoi(f[0])
		if err != nil || len(f) != 2 {
			return true, adapters.Violation("destroyworkspacev2 %q", ev.Data)
		}
		delete(m.workspaces, id)
		return true, nil
	}
	return reloadEvents[ev.Name], nil
}

// Messages returns the messages that bring the tree in line with the model,
// including deletes for workspaces that disappeared.
func (m *Model) Messages() []state.Message {
	ids := make([]int, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	live := make(map[string]bool, len(ids)+2)
	var out []state.Message
	for _, id := range ids {
		w := m.workspaces[id]
		w.Active = id == m.active
		k := Key(w)
		live[k] = true
		out = append(out, state.Set(k, w))
	}

	live[ActiveKey] = true
	out = append(out, state.Set(ActiveKey, state.Int(m.active)))
	if m.special != "" {
		live[SpecialKey] = true
		out = append(out, state.Set(SpecialKey, state.Text(strings.TrimPrefix(m.special, "special:"))))
	}

	var stale []string
	for k := range m.emitted {
		if !live[k] {
			stale = append(stale, k)
		}
	}
	sort.Strings(stale)
	for _, k := range stale {
		out = append(out, state.Delete(k))
	}
	m.emitted = live
	return out
}

// Adapter follows one Hyprland instance.
type Adapter struct {
	client          *hyprland.Client
	refreshInterval time.Duration
	logger          *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient pins the compositor client instead of resolving it from the
// environment on every session.
func WithClient(c *hyprland.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithRefreshInterval sets the periodic reload, which doubles as liveness.
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
func (a *Adapter) Namespaces() []string { return []string{Namespace} }

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

	m := NewModel()
	if err := a.reload(ctx, c, m, sink); err != nil {
		return err
	}
	sink.Ready()

	events := stream.C(ctx)
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: event socket closed", adapters.ErrConnectionLost)
			}
			if r.Err != nil {
				if errors.Is(r.Err, hyprland.ErrMalformedEvent) {
					sink.Violation(adapters.Violation("%v", r.Err))
					pending = schedule(pending)
					continue
				}
				if errors.Is(r.Err, io.EOF) {
					return fmt.Errorf("%w: compositor closed the event socket", adapters.ErrConnectionLost)
				}
				return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, r.Err)
			}
			reload, err := m.Apply(r.Event)
			if err != nil {
				sink.Violation(err)
			}
			if reload {
				pending = schedule(pending)
			}
			if err := emit(sink, m.Messages()); err != nil {
				return err
			}

		case <-pending:
			pending = nil
			if err := a.reload(ctx, c, m, sink); err != nil {
				return err
			}

		case <-ticker.C:
			if err := a.reload(ctx, c, m, sink); err != nil {
				return err
			}
			sink.Beat()
		}
	}
}

func schedule(pending <-chan time.Time) <-chan time.Time {
	if pending != nil {
		return pending
	}
	return time.After(debounce)
}

// reload queries the full state and emits the difference.
func (a *Adapter) reload(ctx context.Context, c *hyprland.Client, m *Model, sink adapters.Sink) error {
	list, err := c.Workspaces(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	active, err := c.ActiveWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	monitors, err := c.Monitors(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	special := ""
	for _, mon := range monitors {
		if mon.Focused {
			special = mon.SpecialWorkspace.Name
		}
	}
	m.Load(list, active.ID, special)
	return emit(sink, m.Messages())
}

func emit(sink adapters.Sink, msgs []state.Message) error {
	for _, msg := range msgs {
		if err := sink.Emit(msg); err != nil {
			return err
		}
	}
	return nil
}

// Dispatcher returns the dispatcher arguments for select {id}. Special
// workspaces are toggled rather than focused.
func Dispatcher(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", errors.New("missing workspace id")
	case strings.HasPrefix(id, "special:"):
		return "togglespecialworkspace " + strings.TrimPrefix(id, "special:"), nil
	case strings.HasPrefix(id, "special_"):
		return "togglespecialworkspace " + strings.TrimPrefix(id, "special_"), nil
	case id == "special":
		return "togglespecialworkspace", nil
	}
	return "workspace " + id, nil
}

// Execute supports select {id}, next and prev. When id is absent the target
// key's last segment is used, so "workspace.3" selects workspace 3.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	var args string
	switch cmd.Action {
	case "select":
		def := ""
		if seg, ok := strings.CutPrefix(cmd.Target, Namespace+"."); ok && seg != "active" {
			def = seg
		}
		d, err := Dispatcher(cmd.Param("id", def))
		if err != nil {
			return adapters.Reject(Name, err)
		}
		args = d
	case "next":
		args = "workspace e+1"
	case "prev":
		args = "workspace e-1"
	default:
		return adapters.Unsupported(Name, cmd.Action)
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
