package dbusutil

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

// --- Property Tests ---

func TestProp(t *testing.T) {
	props := map[string]dbus.Variant{
		"Percentage": dbus.MakeVariant(81.5),
		"State":      dbus.MakeVariant(uint32(2)),
		"IsPresent":  dbus.MakeVariant(true),
	}

	if v, ok := Prop[float64](props, "Percentage"); !ok || v != 81.5 {
		t.Errorf("Percentage = %v, %v", v, ok)
	}
	if v, ok := Prop[uint32](props, "State"); !ok || v != 2 {
		t.Errorf("State = %v, %v", v, ok)
	}
	if _, ok := Prop[string](props, "State"); ok {
		t.Error("wrong type should not match")
	}
	if _, ok := Prop[bool](props, "Missing"); ok {
		t.Error("missing property should not match")
	}
	if v := PropOr(props, "Missing", "fallback"); v != "fallback" {
		t.Errorf("PropOr = %q, want fallback", v)
	}
}

// --- Signal Tests ---

func TestParsePropertiesChanged(t *testing.T) {
	sig := &dbus.Signal{
		Path: "/org/freedesktop/UPower/devices/DisplayDevice",
		Name: PropertiesInterface + ".PropertiesChanged",
		Body: []any{
			"org.freedesktop.UPower.Device",
			map[string]dbus.Variant{"Percentage": dbus.MakeVariant(50.0)},
			[]string{"TimeToEmpty"},
		},
	}
	pc, ok := ParsePropertiesChanged(sig)
	if !ok {
		t.Fatal("ParsePropertiesChanged failed")
	}
	if pc.Interface != "org.freedesktop.UPower.Device" {
		t.Errorf("Interface = %q", pc.Interface)
	}
	if v, _ := Prop[float64](pc.Changed, "Percentage"); v != 50 {
		t.Errorf("Percentage = %v, want 50", v)
	}
	if len(pc.Invalidated) != 1 || pc.Invalidated[0] != "TimeToEmpty" {
		t.Errorf("Invalidated = %v", pc.Invalidated)
	}

	bad := []*dbus.Signal{
		nil,
		{Name: "org.example.Other"},
		{Name: PropertiesInterface + ".PropertiesChanged", Body: []any{"iface"}},
		{Name: PropertiesInterface + ".PropertiesChanged", Body: []any{1, map[string]dbus.Variant{}}},
	}
	for i, s := range bad {
		if _, ok := ParsePropertiesChanged(s); ok {
			t.Errorf("case %d: malformed signal accepted", i)
		}
	}
}

func TestInterfacesAddedRemoved(t *testing.T) {
	added := &dbus.Signal{
		Name: ObjectManagerInterface + ".InterfacesAdded",
		Body: []any{
			dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB"),
			map[string]map[string]dbus.Variant{
				"org.bluez.Device1": {"Connected": dbus.MakeVariant(true)},
			},
		},
	}
	path, ifaces, ok := InterfacesAdded(added)
	if !ok || path != "/org/bluez/hci0/dev_AA_BB" {
		t.Fatalf("InterfacesAdded = %v, %v", path, ok)
	}
	if _, ok := ifaces["org.bluez.Device1"]; !ok {
		t.Error("Device1 interface missing")
	}

	removed := &dbus.Signal{
		Name: ObjectManagerInterface + ".InterfacesRemoved",
		Body: []any{dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB"), []string{"org.bluez.Device1"}},
	}
	path, names, ok := InterfacesRemoved(removed)
	if !ok || path != "/org/bluez/hci0/dev_AA_BB" || len(names) != 1 {
		t.Errorf("InterfacesRemoved = %v, %v, %v", path, names, ok)
	}
	if _, _, ok := InterfacesRemoved(added); ok {
		t.Error("InterfacesRemoved accepted an InterfacesAdded signal")
	}
}

func TestNameVanished(t *testing.T) {
	tests := []struct {
		name string
		body []any
		want bool
	}{
		{"vanished", []any{"org.bluez", ":1.5", ""}, true},
		{"new owner", []any{"org.bluez", "", ":1.9"}, false},
		{"other name", []any{"org.freedesktop.UPower", ":1.5", ""}, false},
		{"short body", []any{"org.bluez"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := &dbus.Signal{Name: BusName + ".NameOwnerChanged", Body: tt.body}
			if got := NameVanished(sig, "org.bluez"); got != tt.want {
				t.Errorf("NameVanished = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBusString(t *testing.T) {
	if System.String() != "system" || Session.String() != "session" {
		t.Errorf("Bus strings = %s, %s", System, Session)
	}
}
