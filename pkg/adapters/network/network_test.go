package network

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// --- Mapping Tests ---

func TestMessagesWifi(t *testing.T) {
	msgs := Messages(Snapshot{
		State:           70,
		Connectivity:    4,
		WirelessEnabled: true,
		ConnID:          "home",
		ConnType:        "802-11-wireless",
		SSID:            "home-5g",
		Strength:        82,
	})
	want := state.Connection{State: "connected", Type: "wifi", Name: "home", SSID: "home-5g", Signal: 82}
	if !state.Equal(msgs[0].Value, want) {
		t.Errorf("connection = %+v, want %+v", msgs[0].Value, want)
	}
	if !state.Equal(msgs[1].Value, state.Enum("full")) {
		t.Errorf("connectivity = %v", msgs[1].Value)
	}
	if !state.Equal(msgs[2].Value, state.Bool(true)) {
		t.Errorf("wifi_enabled = %v", msgs[2].Value)
	}
}

func TestMessagesEthernetIgnoresAccessPoint(t *testing.T) {
	msgs := Messages(Snapshot{State: 70, ConnID: "Wired", ConnType: "802-3-ethernet", SSID: "stale", Strength: 10})
	want := state.Connection{State: "connected", Type: "ethernet", Name: "Wired"}
	if !state.Equal(msgs[0].Value, want) {
		t.Errorf("connection = %+v, want %+v", msgs[0].Value, want)
	}
}

func TestMessagesDisconnected(t *testing.T) {
	msgs := Messages(Snapshot{State: 20, Connectivity: 1})
	if !state.Equal(msgs[0].Value, state.Connection{State: "disconnected"}) {
		t.Errorf("connection = %+v", msgs[0].Value)
	}
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		in   uint32
		want string
	}{
		{0, "unknown"}, {10, "asleep"}, {20, "disconnected"}, {30, "disconnecting"},
		{40, "connecting"}, {50, "limited"}, {60, "limited"}, {70, "connected"},
	}
	for _, tt := range tests {
		if got := ConnectionState(tt.in); got != tt.want {
			t.Errorf("ConnectionState(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if ConnectionType("wireguard") != "vpn" || ConnectionType("bridge") != "bridge" {
		t.Error("ConnectionType mapping wrong")
	}
}

func TestRelevant(t *testing.T) {
	ap := dbus.ObjectPath("/org/freedesktop/NetworkManager/AccessPoint/7")
	tests := []struct {
		name string
		pc   dbusutil.PropertiesChanged
		want bool
	}{
		{"manager", dbusutil.PropertiesChanged{Path: Path, Interface: Interface}, true},
		{"active connection", dbusutil.PropertiesChanged{Path: activeConnectionPrefix + "3", Interface: ActiveInterface}, true},
		{"active ap", dbusutil.PropertiesChanged{Path: ap, Interface: AccessPointInterface}, true},
		{"other ap", dbusutil.PropertiesChanged{Path: "/org/freedesktop/NetworkManager/AccessPoint/9", Interface: AccessPointInterface}, false},
		{"device", dbusutil.PropertiesChanged{Path: "/org/freedesktop/NetworkManager/Devices/2", Interface: "org.freedesktop.NetworkManager.Device.Statistics"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := relevant(tt.pc, ap); got != tt.want {
				t.Errorf("relevant = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Command Tests ---

func TestExecuteValidation(t *testing.T) {
	a := New(nil)
	err := a.Execute(context.Background(), adapters.Command{Action: "set-wifi", Params: map[string]string{"enabled": "maybe"}})
	var rej *adapters.RejectedError
	if !errors.As(err, &rej) {
		t.Errorf("bad param = %v, want RejectedError", err)
	}
	if err := a.Execute(context.Background(), adapters.Command{Action: "toggle-wifi"}); !errors.Is(err, adapters.ErrConnectionLost) {
		t.Errorf("toggle without session = %v, want ErrConnectionLost", err)
	}
	if err := a.Execute(context.Background(), adapters.Command{Action: "airplane"}); !errors.Is(err, adapters.ErrUnsupportedAction) {
		t.Errorf("unknown = %v, want ErrUnsupportedAction", err)
	}
}
