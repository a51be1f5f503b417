package bluetooth

import (
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// Model mirrors the BlueZ object tree: adapters, devices and device
// batteries, each as its last known property map.
type Model struct {
	adapters  map[dbus.ObjectPath]map[string]dbus.Variant
	devices   map[dbus.ObjectPath]map[string]dbus.Variant
	batteries map[dbus.ObjectPath]map[string]dbus.Variant

	emitted map[string]bool
}

func NewModel() *Model {
	return &Model{
		adapters:  make(map[dbus.ObjectPath]map[string]dbus.Variant),
		devices:   make(map[dbus.ObjectPath]map[string]dbus.Variant),
		batteries: make(map[dbus.ObjectPath]map[string]dbus.Variant),
		emitted:   make(map[string]bool),
	}
}

func (m *Model) table(iface string) map[dbus.ObjectPath]map[string]dbus.Variant {
	switch iface {
	case AdapterInterface:
		return m.adapters
	case DeviceInterface:
		return m.devices
	case BatteryInterface:
		return m.batteries
	}
	return nil
}

// Load replaces the model with the result of GetManagedObjects.
func (m *Model) Load(objs dbusutil.ManagedObjects) {
	clear(m.adapters)
	clear(m.devices)
	clear(m.batteries)
	for path, ifaces := range objs {
		m.Add(path, ifaces)
	}
}

// Add records interfaces that appeared on path.
func (m *Model) Add(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	for iface, props := range ifaces {
		if t := m.table(iface); t != nil {
			cp := make(map[string]dbus.Variant, len(props))
			for k, v := range props {
				cp[k] = v
			}
			t[path] = cp
		}
	}
}

// Remove drops interfaces that disappeared from path.
func (m *Model) Remove(path dbus.ObjectPath, ifaces []string) {
	for _, iface := range ifaces {
		if t := m.table(iface); t != nil {
			delete(t, path)
		}
	}
}

// Change merges a PropertiesChanged signal. It reports false when the
// object is unknown.
func (m *Model) Change(pc dbusutil.PropertiesChanged) bool {
	t := m.table(pc.Interface)
	if t == nil {
		return false
	}
	props, ok := t[pc.Path]
	if !ok {
		return false
	}
	for k, v := range pc.Changed {
		props[k] = v
	}
	for _, k := range pc.Invalidated {
		delete(props, k)
	}
	return true
}

// Adapter returns the path and properties of the default controller, the
// first in path order.
func (m *Model) Adapter() (dbus.ObjectPath, map[string]dbus.Variant, bool) {
	if len(m.adapters) == 0 {
		return "", nil, false
	}
	paths := make([]dbus.ObjectPath, 0, len(m.adapters))
	for p := range m.adapters {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths[0], m.adapters[paths[0]], true
}

// DevicePath finds a device by address.
func (m *Model) DevicePath(address string) (dbus.ObjectPath, bool) {
	for p, props := range m.devices {
		if dbusutil.PropOr(props, "Address", "") == address {
			return p, true
		}
	}
	return "", false
}

// Device converts one device object. Battery comes from the Battery1
// interface on the same path when present.
func (m *Model) Device(path dbus.ObjectPath) state.Device {
	props := m.devices[path]
	d := state.Device{
		Address:   dbusutil.PropOr(props, "Address", ""),
		Name:      dbusutil.PropOr(props, "Alias", dbusutil.PropOr(props, "Name", "")),
		Icon:      dbusutil.PropOr(props, "Icon", ""),
		Paired:    dbusutil.PropOr(props, "Paired", false),
		Connected: dbusutil.PropOr(props, "Connected", false),
	}
	if b, ok := m.batteries[path]; ok {
		d.Battery = int(dbusutil.PropOr[byte](b, "Percentage", 0))
	}
	return d
}

// DeviceKey is the key of a device: bluetooth.device.AA_BB_CC_DD_EE_FF.
func DeviceKey(address string) string {
	return state.Join(Name, "device", state.Sanitize(address))
}

// Messages renders the whole model. Only paired or connected devices are
// published so discovery does not flood the tree; keys published earlier
// and no longer present are deleted.
func (m *Model) Messages() []state.Message {
	var msgs []state.Message
	if _, props, ok := m.Adapter(); ok {
		msgs = append(msgs,
			state.Set("bluetooth.available", state.Bool(true)),
			state.Set("bluetooth.powered", state.Bool(dbusutil.PropOr(props, "Powered", false))),
			state.Set("bluetooth.discovering", state.Bool(dbusutil.PropOr(props, "Discovering", false))),
		)
	} else {
		msgs = append(msgs,
			state.Set("bluetooth.available", state.Bool(false)),
			state.Set("bluetooth.powered", state.Bool(false)),
			state.Set("bluetooth.discovering", state.Bool(false)),
		)
	}

	now := make(map[string]bool)
	connected := 0
	for path := range m.devices {
		d := m.Device(path)
		if d.Address == "" || !(d.Paired || d.Connected) {
			continue
		}
		if d.Connected {
			connected++
		}
		key := DeviceKey(d.Address)
		now[key] = true
		msgs = append(msgs, state.Set(key, d))
	}
	for key := range m.emitted {
		if !now[key] {
			msgs = append(msgs, state.Delete(key))
		}
	}
	m.emitted = now
	return append(msgs, state.Set("bluetooth.connected", state.Int(connected)))
}
