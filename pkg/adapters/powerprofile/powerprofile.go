// Package powerprofile follows and switches the power-profiles-daemon
// profile (power-saver, balanced, performance).
package powerprofile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const Name = "powerprofile"

// Endpoint is a bus name, object path and interface triple.
type Endpoint struct {
	Service   string
	Path      dbus.ObjectPath
	Interface string
}

var (
	// Current is the name used by power-profiles-daemon 0.20 and later.
	Current = Endpoint{
		Service:   "org.freedesktop.UPower.PowerProfiles",
		Path:      "/org/freedesktop/UPower/PowerProfiles",
		Interface: "org.freedesktop.UPower.PowerProfiles",
	}

	// Legacy is the name used by older releases.
	Legacy = Endpoint{
		Service:   "net.hadess.PowerProfiles",
		Path:      "/net/hadess/PowerProfiles",
		Interface: "net.hadess.PowerProfiles",
	}
)

type Adapter struct {
	logger  *slog.Logger
	current dbusutil.Current
}

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger.With("adapter", Name)}
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

// resolve picks the endpoint that currently has an owner.
func resolve(ctx context.Context, conn *dbus.Conn) (Endpoint, error) {
	for _, ep := range []Endpoint{Current, Legacy} {
		ok, err := dbusutil.HasOwner(ctx, conn, ep.Service)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
		}
		if ok {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%w: power-profiles-daemon is not running", adapters.ErrConnectionLost)
}

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	conn, err := dbusutil.Connect(ctx, dbusutil.System)
	if err != nil {
		return err
	}
	defer conn.Close()

	ep, err := resolve(ctx, conn)
	if err != nil {
		return err
	}
	signals, err := dbusutil.Signals(conn, 16,
		dbusutil.PropertiesRule(ep.Service, ep.Path),
		dbusutil.NameOwnerRule(ep.Service),
	)
	if err != nil {
		return err
	}
	props, err := dbusutil.GetAll(ctx, conn.Object(ep.Service, ep.Path), ep.Interface)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	if err := dbusutil.Emit(sink, Messages(props)); err != nil {
		return err
	}
	a.logger.Debug("using endpoint", "service", ep.Service)
	defer a.current.Set(conn, sink)()
	sink.Ready()

	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: ep.Service, Beat: sink.Beat}, func(sig *dbus.Signal) error {
		pc, ok := dbusutil.ParsePropertiesChanged(sig)
		if !ok || pc.Interface != ep.Interface {
			return nil
		}
		for k, v := range pc.Changed {
			props[k] = v
		}
		return dbusutil.Emit(sink, Messages(props))
	})
}

// Profiles extracts the profile names in daemon order.
func Profiles(props map[string]dbus.Variant) []string {
	list, _ := dbusutil.Prop[[]map[string]dbus.Variant](props, "Profiles")
	var out []string
	for _, p := range list {
		if name, ok := dbusutil.Prop[string](p, "Profile"); ok {
			out = append(out, name)
		}
	}
	return out
}

// Messages maps the daemon properties.
func Messages(props map[string]dbus.Variant) []state.Message {
	msgs := []state.Message{
		state.Set("powerprofile.active", state.Enum(dbusutil.PropOr(props, "ActiveProfile", "unknown"))),
		state.Set("powerprofile.available", state.Text(strings.Join(Profiles(props), ","))),
	}
	if d := dbusutil.PropOr(props, "PerformanceDegraded", ""); d != "" {
		msgs = append(msgs, state.Set("powerprofile.degraded", state.Text(d)))
	} else {
		msgs = append(msgs, state.Delete("powerprofile.degraded"))
	}
	return msgs
}

// Next returns the profile after active, wrapping around.
func Next(profiles []string, active string) (string, bool) {
	if len(profiles) == 0 {
		return "", false
	}
	i := slices.Index(profiles, active)
	return profiles[(i+1)%len(profiles)], true
}

// Execute supports set {profile} and cycle.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	if cmd.Action != "set" && cmd.Action != "cycle" {
		return adapters.Unsupported(Name, cmd.Action)
	}
	conn, _, err := a.current.Get()
	if err != nil {
		return err
	}
	ep, err := resolve(ctx, conn)
	if err != nil {
		return err
	}
	obj := conn.Object(ep.Service, ep.Path)
	props, err := dbusutil.GetAll(ctx, obj, ep.Interface)
	if err != nil {
		return adapters.Reject(Name, err)
	}
	profiles := Profiles(props)

	var target string
	switch cmd.Action {
	case "set":
		target = cmd.Param("profile", "")
		if !slices.Contains(profiles, target) {
			return adapters.Reject(Name, fmt.Errorf("unknown profile %q (have %s)", target, strings.Join(profiles, ", ")))
		}
	case "cycle":
		next, ok := Next(profiles, dbusutil.PropOr(props, "ActiveProfile", ""))
		if !ok {
			return adapters.Reject(Name, fmt.Errorf("no profiles available"))
		}
		target = next
	}
	return adapters.Reject(Name, dbusutil.Set(ctx, obj, ep.Interface, "ActiveProfile", target))
}
