// Package session follows the logind session the bar runs in and drives
// lock, suspend and power actions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "session"

	Service          = "org.freedesktop.login1"
	ManagerPath      = dbus.ObjectPath("/org/freedesktop/login1")
	ManagerInterface = "org.freedesktop.login1.Manager"
	SessionInterface = "org.freedesktop.login1.Session"

	// AutoPath resolves to the caller's session.
	AutoPath = dbus.ObjectPath("/org/freedesktop/login1/session/auto")

	LockedKey     = "session.locked"
	IdleKey       = "session.idle"
	CanSuspendKey = "session.can_suspend"
)

// managerCalls maps power actions to Manager methods. Each takes the
// "interactive" flag.
var managerCalls = map[string]string{
	"suspend":   "Suspend",
	"hibernate": "Hibernate",
	"reboot":    "Reboot",
	"shutdown":  "PowerOff",
}

// CanSuspend normalizes the reply of Manager.CanSuspend.
func CanSuspend(reply string) state.Enum {
	switch reply {
	case "yes", "no", "challenge", "na":
		return state.Enum(reply)
	}
	return "na"
}

// Messages maps session properties. Only properties present in props are
// emitted so change signals can be applied as they arrive.
func Messages(props map[string]dbus.Variant) []state.Message {
	var out []state.Message
	if v, ok := dbusutil.Prop[bool](props, "LockedHint"); ok {
		out = append(out, state.Set(LockedKey, state.Bool(v)))
	}
	if v, ok := dbusutil.Prop[bool](props, "IdleHint"); ok {
		out = append(out, state.Set(IdleKey, state.Bool(v)))
	}
	return out
}

type Adapter struct {
	logger  *slog.Logger
	current dbusutil.Current

	mu   sync.Mutex
	path dbus.ObjectPath
}

func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger.With("adapter", Name)}
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	conn, err := dbusutil.Connect(ctx, dbusutil.System)
	if err != nil {
		return err
	}
	defer conn.Close()

	path, err := resolve(ctx, conn)
	if err != nil {
		return err
	}
	signals, err := dbusutil.Signals(conn, 16,
		dbusutil.PropertiesRule(Service, path),
		dbusutil.NameOwnerRule(Service),
	)
	if err != nil {
		return err
	}

	props, err := dbusutil.GetAll(ctx, conn.Object(Service, path), SessionInterface)
	if err != nil {
		return err
	}
	if err := dbusutil.Emit(sink, Messages(props)); err != nil {
		return err
	}
	var can string
	if err := conn.Object(Service, ManagerPath).CallWithContext(ctx, ManagerInterface+".CanSuspend", 0).Store(&can); err != nil {
		a.logger.Debug("CanSuspend failed", "error", err)
	}
	if err := sink.Emit(state.Set(CanSuspendKey, CanSuspend(can))); err != nil {
		return err
	}

	a.mu.Lock()
	a.path = path
	a.mu.Unlock()
	defer a.current.Set(conn, sink)()
	sink.Ready()

	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: Service, Beat: sink.Beat}, func(sig *dbus.Signal) error {
		pc, ok := dbusutil.ParsePropertiesChanged(sig)
		if !ok || pc.Interface != SessionInterface || pc.Path != path {
			return nil
		}
		return dbusutil.Emit(sink, Messages(pc.Changed))
	})
}

// resolve turns the auto alias into the real session path, which is the one
// change signals are sent from.
func resolve(ctx context.Context, conn *dbus.Conn) (dbus.ObjectPath, error) {
	id, err := conn.Object(Service, AutoPath).GetProperty(SessionInterface + ".Id")
	if err != nil {
		return "", fmt.Errorf("%w: resolve session: %v", adapters.ErrConnectionLost, err)
	}
	sid, ok := id.Value().(string)
	if !ok {
		return "", adapters.Violation("session Id has type %s", id.Signature())
	}
	var path dbus.ObjectPath
	if err := conn.Object(Service, ManagerPath).CallWithContext(ctx, ManagerInterface+".GetSession", 0, sid).Store(&path); err != nil {
		return "", fmt.Errorf("%w: get session %s: %v", adapters.ErrConnectionLost, sid, err)
	}
	return path, nil
}

// Execute supports lock, unlock, suspend, hibernate, reboot and shutdown.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	method, onManager := managerCalls[cmd.Action]
	if !onManager && cmd.Action != "lock" && cmd.Action != "unlock" {
		return adapters.Unsupported(Name, cmd.Action)
	}
	conn, _, err := a.current.Get()
	if err != nil {
		return err
	}
	a.mu.Lock()
	path := a.path
	a.mu.Unlock()

	var call *dbus.Call
	if onManager {
		call = conn.Object(Service, ManagerPath).CallWithContext(ctx, ManagerInterface+"."+method, 0, false)
	} else {
		call = conn.Object(Service, path).CallWithContext(ctx, SessionInterface+"."+actionMethod(cmd.Action), 0)
	}
	a.logger.Info("session action", "action", cmd.Action, "correlation", cmd.CorrelationID)
	return adapters.Reject(Name, call.Err)
}

func actionMethod(action string) string {
	if action == "unlock" {
		return "Unlock"
	}
	return "Lock"
}
