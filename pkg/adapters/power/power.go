// Package power reads battery and AC state from UPower's display device.
package power

import (
	"context"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "power"

	Service         = "org.freedesktop.UPower"
	Path            = dbus.ObjectPath("/org/freedesktop/UPower")
	DisplayDevice   = dbus.ObjectPath("/org/freedesktop/UPower/devices/DisplayDevice")
	Interface       = "org.freedesktop.UPower"
	DeviceInterface = "org.freedesktop.UPower.Device"
)

// UPower device types and states used here.
const (
	TypeBattery = 2
)

var batteryStates = map[uint32]string{
	0: "unknown",
	1: "charging",
	2: "discharging",
	3: "empty",
	4: "fully-charged",
	5: "pending-charge",
	6: "pending-discharge",
}

// BatteryState names a UPower device state.
func BatteryState(s uint32) string {
	if n, ok := batteryStates[s]; ok {
		return n
	}
	return "unknown"
}

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
func (a *Adapter) Namespaces() []string { return []string{"battery", "power"} }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	conn, err := dbusutil.Connect(ctx, dbusutil.System)
	if err != nil {
		return err
	}
	defer conn.Close()

	signals, err := dbusutil.Signals(conn, 32,
		dbusutil.PropertiesRule(Service, Path),
		dbusutil.NameOwnerRule(Service),
	)
	if err != nil {
		return err
	}

	device, err := a.load(ctx, conn, sink)
	if err != nil {
		return err
	}
	defer a.current.Set(conn, sink)()
	sink.Ready()

	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: Service, Beat: sink.Beat}, func(sig *dbus.Signal) error {
		pc, ok := dbusutil.ParsePropertiesChanged(sig)
		if !ok {
			return nil
		}
		switch {
		case pc.Interface == DeviceInterface && pc.Path == DisplayDevice:
			for k, v := range pc.Changed {
				device[k] = v
			}
			for _, k := range pc.Invalidated {
				delete(device, k)
			}
			return dbusutil.Emit(sink, DeviceMessages(device))
		case pc.Interface == Interface && pc.Path == Path:
			return dbusutil.Emit(sink, DaemonMessages(pc.Changed))
		}
		return nil
	})
}

// load reads the display device and daemon properties and emits them. It
// returns the device properties as the base for later change signals.
func (a *Adapter) load(ctx context.Context, conn *dbus.Conn, sink adapters.Sink) (map[string]dbus.Variant, error) {
	device, err := dbusutil.GetAll(ctx, conn.Object(Service, DisplayDevice), DeviceInterface)
	if err != nil {
		return nil, err
	}
	daemon, err := dbusutil.GetAll(ctx, conn.Object(Service, Path), Interface)
	if err != nil {
		return nil, err
	}
	if err := dbusutil.Emit(sink, DeviceMessages(device)); err != nil {
		return nil, err
	}
	if err := dbusutil.Emit(sink, DaemonMessages(daemon)); err != nil {
		return nil, err
	}
	return device, nil
}

// Execute supports "refresh", which re-reads every property.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	if cmd.Action != "refresh" {
		return adapters.Unsupported(Name, cmd.Action)
	}
	conn, sink, err := a.current.Get()
	if err != nil {
		return err
	}
	if _, err := a.load(ctx, conn, sink); err != nil {
		return adapters.Reject(Name, err)
	}
	return nil
}

// DeviceMessages maps display device properties to battery keys. A display
// device that is not a battery removes every battery key except present.
func DeviceMessages(props map[string]dbus.Variant) []state.Message {
	typ := dbusutil.PropOr[uint32](props, "Type", 0)
	present := typ == TypeBattery && dbusutil.PropOr(props, "IsPresent", true)
	msgs := []state.Message{state.Set("battery.present", state.Bool(present))}
	if !present {
		return append(msgs,
			state.Delete("battery.percent"),
			state.Delete("battery.state"),
			state.Delete("battery.time_to_empty"),
			state.Delete("battery.time_to_full"),
		)
	}

	if p, ok := dbusutil.Prop[float64](props, "Percentage"); ok {
		msgs = append(msgs, state.Set("battery.percent", state.ClampPercent(p)))
	}
	if s, ok := dbusutil.Prop[uint32](props, "State"); ok {
		msgs = append(msgs, state.Set("battery.state", state.Enum(BatteryState(s))))
	}
	msgs = append(msgs,
		seconds("battery.time_to_empty", props, "TimeToEmpty"),
		seconds("battery.time_to_full", props, "TimeToFull"),
	)
	return msgs
}

// seconds maps an int64 seconds property; zero means unknown and deletes.
func seconds(key string, props map[string]dbus.Variant, name string) state.Message {
	secs := dbusutil.PropOr[int64](props, name, 0)
	if secs <= 0 {
		return state.Delete(key)
	}
	return state.Set(key, state.Duration(time.Duration(secs)*time.Second))
}

// DaemonMessages maps UPower daemon properties. Only properties present in
// props are emitted so change signals can be applied as they come.
func DaemonMessages(props map[string]dbus.Variant) []state.Message {
	var msgs []state.Message
	if v, ok := dbusutil.Prop[bool](props, "OnBattery"); ok {
		msgs = append(msgs, state.Set("power.on_battery", state.Bool(v)))
	}
	if present := dbusutil.PropOr(props, "LidIsPresent", true); present {
		if v, ok := dbusutil.Prop[bool](props, "LidIsClosed"); ok {
			msgs = append(msgs, state.Set("power.lid_closed", state.Bool(v)))
		}
	}
	return msgs
}
