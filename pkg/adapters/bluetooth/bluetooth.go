// Package bluetooth tracks BlueZ controllers and devices through the
// ObjectManager interface and drives power and connections.
package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "bluetooth"

	Service          = "org.bluez"
	AdapterInterface = "org.bluez.Adapter1"
	DeviceInterface  = "org.bluez.Device1"
	BatteryInterface = "org.bluez.Battery1"
)

type Adapter struct {
	logger  *slog.Logger
	current dbusutil.Current

	mu    sync.Mutex
	model *Model
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

	signals, err := dbusutil.Signals(conn, 64,
		dbusutil.ObjectManagerRule(Service),
		dbusutil.PropertiesRule(Service, "/org/bluez"),
		dbusutil.NameOwnerRule(Service),
	)
	if err != nil {
		return err
	}

	objs, err := dbusutil.GetManagedObjects(ctx, conn.Object(Service, "/"))
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	model := NewModel()
	model.Load(objs)

	a.mu.Lock()
	a.model = model
	msgs := model.Messages()
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.model = nil
		a.mu.Unlock()
	}()

	if err := dbusutil.Emit(sink, msgs); err != nil {
		return err
	}
	defer a.current.Set(conn, sink)()
	sink.Ready()

	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: Service, Beat: sink.Beat}, func(sig *dbus.Signal) error {
		a.mu.Lock()
		var out []state.Message
		if a.apply(model, sig, sink) {
			out = model.Messages()
		}
		a.mu.Unlock()
		return dbusutil.Emit(sink, out)
	})
}

// apply folds one signal into the model and reports whether it changed.
func (a *Adapter) apply(m *Model, sig *dbus.Signal, sink adapters.Sink) bool {
	switch sig.Name {
	case dbusutil.ObjectManagerInterface + ".InterfacesAdded":
		path, ifaces, ok := dbusutil.InterfacesAdded(sig)
		if !ok {
			sink.Violation(adapters.Violation("bad InterfacesAdded body %v", sig.Body))
			return false
		}
		m.Add(path, ifaces)
		return true
	case dbusutil.ObjectManagerInterface + ".InterfacesRemoved":
		path, ifaces, ok := dbusutil.InterfacesRemoved(sig)
		if !ok {
			sink.Violation(adapters.Violation("bad InterfacesRemoved body %v", sig.Body))
			return false
		}
		m.Remove(path, ifaces)
		return true
	case dbusutil.PropertiesInterface + ".PropertiesChanged":
		pc, ok := dbusutil.ParsePropertiesChanged(sig)
		if !ok {
			sink.Violation(adapters.Violation("bad PropertiesChanged body %v", sig.Body))
			return false
		}
		return m.Change(pc)
	}
	return false
}

// Execute supports set-power {on}, toggle-power, connect {address} and
// disconnect {address}.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	switch cmd.Action {
	case "set-power", "toggle-power", "connect", "disconnect":
	default:
		return adapters.Unsupported(Name, cmd.Action)
	}
	conn, _, err := a.current.Get()
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.model == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: no active session", adapters.ErrConnectionLost)
	}
	ctrl, props, hasCtrl := a.model.Adapter()
	powered := dbusutil.PropOr(props, "Powered", false)
	device, hasDevice := a.model.DevicePath(cmd.Param("address", ""))
	a.mu.Unlock()

	switch cmd.Action {
	case "set-power", "toggle-power":
		if !hasCtrl {
			return adapters.Reject(Name, fmt.Errorf("no bluetooth controller"))
		}
		on := !powered
		if cmd.Action == "set-power" {
			v, err := strconv.ParseBool(cmd.Param("on", ""))
			if err != nil {
				return adapters.Reject(Name, fmt.Errorf("on: %w", err))
			}
			on = v
		}
		return adapters.Reject(Name, dbusutil.Set(ctx, conn.Object(Service, ctrl), AdapterInterface, "Powered", on))
	default:
		if !hasDevice {
			return adapters.Reject(Name, fmt.Errorf("unknown device %q", cmd.Param("address", "")))
		}
		method := DeviceInterface + ".Connect"
		if cmd.Action == "disconnect" {
			method = DeviceInterface + ".Disconnect"
		}
		return adapters.Reject(Name, conn.Object(Service, device).CallWithContext(ctx, method, 0).Err)
	}
}
