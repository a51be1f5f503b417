// Package network follows NetworkManager's primary connection.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "network"

	Service                = "org.freedesktop.NetworkManager"
	Path                   = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	Interface              = "org.freedesktop.NetworkManager"
	ActiveInterface        = "org.freedesktop.NetworkManager.Connection.Active"
	AccessPointInterface   = "org.freedesktop.NetworkManager.AccessPoint"
	activeConnectionPrefix = "/org/freedesktop/NetworkManager/ActiveConnection/"
)

// Snapshot is everything the keys are derived from.
type Snapshot struct {
	State           uint32
	Connectivity    uint32
	WirelessEnabled bool

	ConnID   string
	ConnType string

	AccessPoint dbus.ObjectPath
	SSID        string
	Strength    uint8
}

// ConnectionState names an NMState.
func ConnectionState(s uint32) string {
	switch {
	case s >= 70:
		return "connected"
	case s >= 50:
		return "limited"
	case s == 40:
		return "connecting"
	case s == 30:
		return "disconnecting"
	case s == 20:
		return "disconnected"
	case s == 10:
		return "asleep"
	}
	return "unknown"
}

// Connectivity names an NMConnectivityState.
func Connectivity(c uint32) string {
	switch c {
	case 1:
		return "none"
	case 2:
		return "portal"
	case 3:
		return "limited"
	case 4:
		return "full"
	}
	return "unknown"
}

// ConnectionType shortens NetworkManager's setting type names.
func ConnectionType(t string) string {
	switch t {
	case "802-11-wireless":
		return "wifi"
	case "802-3-ethernet":
		return "ethernet"
	case "vpn", "wireguard":
		return "vpn"
	case "gsm", "cdma":
		return "mobile"
	}
	return t
}

// Messages maps a snapshot to the network keys.
func Messages(s Snapshot) []state.Message {
	c := state.Connection{State: ConnectionState(s.State)}
	if s.ConnID != "" {
		c.Type = ConnectionType(s.ConnType)
		c.Name = s.ConnID
		if c.Type == "wifi" {
			c.SSID = s.SSID
			c.Signal = int(s.Strength)
		}
	}
	return []state.Message{
		state.Set("network.connection", c),
		state.Set("network.connectivity", state.Enum(Connectivity(s.Connectivity))),
		state.Set("network.wifi_enabled", state.Bool(s.WirelessEnabled)),
	}
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
func (a *Adapter) Namespaces() []string { return []string{Name} }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	conn, err := dbusutil.Connect(ctx, dbusutil.System)
	if err != nil {
		return err
	}
	defer conn.Close()

	signals, err := dbusutil.Signals(conn, 64,
		dbusutil.PropertiesRule(Service, Path),
		dbusutil.NameOwnerRule(Service),
	)
	if err != nil {
		return err
	}

	snap, err := Query(ctx, conn)
	if err != nil {
		return err
	}
	if err := dbusutil.Emit(sink, Messages(snap)); err != nil {
		return err
	}
	defer a.current.Set(conn, sink)()
	sink.Ready()

	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: Service, Beat: sink.Beat}, func(sig *dbus.Signal) error {
		pc, ok := dbusutil.ParsePropertiesChanged(sig)
		if !ok || !relevant(pc, snap.AccessPoint) {
			return nil
		}
		next, err := Query(ctx, conn)
		if err != nil {
			a.logger.Debug("requery failed", "error", err)
			return nil
		}
		snap = next
		return dbusutil.Emit(sink, Messages(snap))
	})
}

// relevant filters the change signals that can affect the snapshot; access
// points other than the active one report strength changes constantly.
func relevant(pc dbusutil.PropertiesChanged, ap dbus.ObjectPath) bool {
	switch {
	case pc.Path == Path && pc.Interface == Interface:
		return true
	case pc.Interface == ActiveInterface && strings.HasPrefix(string(pc.Path), activeConnectionPrefix):
		return true
	case pc.Interface == AccessPointInterface:
		return ap != "" && pc.Path == ap
	}
	return false
}

// Query reads the manager state, the primary connection and, for wifi, its
// access point.
func Query(ctx context.Context, conn *dbus.Conn) (Snapshot, error) {
	var s Snapshot
	root, err := dbusutil.GetAll(ctx, conn.Object(Service, Path), Interface)
	if err != nil {
		return s, fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	s.State = dbusutil.PropOr[uint32](root, "State", 0)
	s.Connectivity = dbusutil.PropOr[uint32](root, "Connectivity", 0)
	s.WirelessEnabled = dbusutil.PropOr(root, "WirelessEnabled", false)

	primary := dbusutil.PropOr(root, "PrimaryConnection", dbus.ObjectPath("/"))
	if primary == "/" || !primary.IsValid() {
		return s, nil
	}
	active, err := dbusutil.GetAll(ctx, conn.Object(Service, primary), ActiveInterface)
	if err != nil {
		// The connection can vanish between the two calls.
		return s, nil
	}
	s.ConnID = dbusutil.PropOr(active, "Id", "")
	s.ConnType = dbusutil.PropOr(active, "Type", "")

	if ConnectionType(s.ConnType) != "wifi" {
		return s, nil
	}
	ap := dbusutil.PropOr(active, "SpecificObject", dbus.ObjectPath("/"))
	if ap == "/" || !ap.IsValid() {
		return s, nil
	}
	props, err := dbusutil.GetAll(ctx, conn.Object(Service, ap), AccessPointInterface)
	if err != nil {
		return s, nil
	}
	s.AccessPoint = ap
	s.SSID = string(dbusutil.PropOr(props, "Ssid", []byte(nil)))
	s.Strength = dbusutil.PropOr[uint8](props, "Strength", 0)
	return s, nil
}

// Execute supports set-wifi {enabled} and toggle-wifi.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	var enable bool
	switch cmd.Action {
	case "set-wifi":
		v, err := strconv.ParseBool(cmd.Param("enabled", ""))
		if err != nil {
			return adapters.Reject(Name, fmt.Errorf("enabled: %w", err))
		}
		enable = v
	case "toggle-wifi":
	default:
		return adapters.Unsupported(Name, cmd.Action)
	}

	conn, _, err := a.current.Get()
	if err != nil {
		return err
	}
	obj := conn.Object(Service, Path)
	if cmd.Action == "toggle-wifi" {
		v, err := obj.GetProperty(Interface + ".WirelessEnabled")
		if err != nil {
			return adapters.Reject(Name, err)
		}
		cur, _ := v.Value().(bool)
		enable = !cur
	}
	if err := dbusutil.Set(ctx, obj, Interface, "WirelessEnabled", enable); err != nil {
		return adapters.Reject(Name, err)
	}
	return nil
}
