// Package dbusutil holds the D-Bus plumbing shared by the bus-backed
// adapters: private connections, property decoding, signal match rules and a
// watch loop that turns bus silence or a vanished service into
// adapters.ErrConnectionLost.
package dbusutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	BusName                = "org.freedesktop.DBus"
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	PeerInterface          = "org.freedesktop.DBus.Peer"
)

// DefaultPingInterval is how often Watch pings the remote service.
const DefaultPingInterval = 10 * time.Second

// Bus selects the message bus.
type Bus int

const (
	System Bus = iota
	Session
)

func (b Bus) String() string {
	if b == Session {
		return "session"
	}
	return "system"
}

// Connect opens a private connection to bus. Every adapter session owns its
// connection and closes it when the session ends.
func Connect(ctx context.Context, bus Bus) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case Session:
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	default:
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s bus: %v", adapters.ErrConnectionLost, bus, err)
	}
	return conn, nil
}

// HasOwner reports whether name currently has an owner on the bus.
func HasOwner(ctx context.Context, conn *dbus.Conn, name string) (bool, error) {
	var ok bool
	err := conn.BusObject().CallWithContext(ctx, BusName+".NameHasOwner", 0, name).Store(&ok)
	return ok, err
}

// GetAll fetches every property of iface on obj.
func GetAll(ctx context.Context, obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, PropertiesInterface+".GetAll", 0, iface).Store(&props); err != nil {
		return nil, fmt.Errorf("get %s properties of %s: %w", iface, obj.Path(), err)
	}
	return props, nil
}

// Set writes one property.
func Set(ctx context.Context, obj dbus.BusObject, iface, name string, value any) error {
	return obj.CallWithContext(ctx, PropertiesInterface+".Set", 0, iface, name, dbus.MakeVariant(value)).Err
}

// ManagedObjects is the reply of ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// GetManagedObjects lists every object below obj with its interfaces.
func GetManagedObjects(ctx context.Context, obj dbus.BusObject) (ManagedObjects, error) {
	var out ManagedObjects
	if err := obj.CallWithContext(ctx, ObjectManagerInterface+".GetManagedObjects", 0).Store(&out); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return out, nil
}

// Prop extracts a typed property. It reports false when the property is
// missing or has another type.
func Prop[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// PropOr is Prop with a fallback.
func PropOr[T any](props map[string]dbus.Variant, name string, def T) T {
	if v, ok := Prop[T](props, name); ok {
		return v
	}
	return def
}

// PropertiesChanged is a decoded org.freedesktop.DBus.Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	Path        dbus.ObjectPath
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

// ParsePropertiesChanged decodes sig. It reports false for any other signal
// or a malformed body.
func ParsePropertiesChanged(sig *dbus.Signal) (PropertiesChanged, bool) {
	if sig == nil || sig.Name != PropertiesInterface+".PropertiesChanged" || len(sig.Body) < 2 {
		return PropertiesChanged{}, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return PropertiesChanged{}, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertiesChanged{}, false
	}
	pc := PropertiesChanged{Path: sig.Path, Interface: iface, Changed: changed}
	if len(sig.Body) > 2 {
		pc.Invalidated, _ = sig.Body[2].([]string)
	}
	return pc, true
}

// InterfacesAdded decodes an ObjectManager.InterfacesAdded signal.
func InterfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != ObjectManagerInterface+".InterfacesAdded" || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	return path, ifaces, ok
}

// InterfacesRemoved decodes an ObjectManager.InterfacesRemoved signal.
func InterfacesRemoved(sig *dbus.Signal) (dbus.ObjectPath, []string, bool) {
	if sig == nil || sig.Name != ObjectManagerInterface+".InterfacesRemoved" || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].([]string)
	return path, ifaces, ok
}

// PropertiesRule matches PropertiesChanged signals sent by sender below
// pathNamespace.
func PropertiesRule(sender string, pathNamespace dbus.ObjectPath) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(sender),
		dbus.WithMatchInterface(PropertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(pathNamespace),
	}
}

// ObjectManagerRule matches InterfacesAdded and InterfacesRemoved from sender.
func ObjectManagerRule(sender string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(sender),
		dbus.WithMatchInterface(ObjectManagerInterface),
	}
}

// NameOwnerRule matches ownership changes of name.
func NameOwnerRule(name string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(BusName),
		dbus.WithMatchSender(BusName),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	}
}

// NameVanished reports whether sig announces that name lost its owner.
func NameVanished(sig *dbus.Signal, name string) bool {
	if sig == nil || sig.Name != BusName+".NameOwnerChanged" || len(sig.Body) < 3 {
		return false
	}
	n, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	return n == name && newOwner == ""
}

// Signals installs the match rules and returns a channel receiving the
// matching signals. The channel is closed when conn closes.
func Signals(conn *dbus.Conn, size int, rules ...[]dbus.MatchOption) (chan *dbus.Signal, error) {
	for _, r := range rules {
		if err := conn.AddMatchSignal(r...); err != nil {
			return nil, fmt.Errorf("add match rule: %w", err)
		}
	}
	ch := make(chan *dbus.Signal, size)
	conn.Signal(ch)
	return ch, nil
}

// WatchOptions configures Watch.
type WatchOptions struct {
	// Service is pinged for liveness and its disappearance ends the watch.
	// Empty disables both.
	Service string

	PingInterval time.Duration

	// Beat is called after every successful ping.
	Beat func()
}

// Watch dispatches signals to handle until ctx ends, the connection closes,
// the service vanishes, a ping fails or handle returns an error.
func Watch(ctx context.Context, conn *dbus.Conn, signals <-chan *dbus.Signal, opts WatchOptions, handle func(*dbus.Signal) error) error {
	interval := opts.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("%w: bus connection closed", adapters.ErrConnectionLost)
			}
			if opts.Service != "" && NameVanished(sig, opts.Service) {
				return fmt.Errorf("%w: %s left the bus", adapters.ErrConnectionLost, opts.Service)
			}
			if err := handle(sig); err != nil {
				return err
			}

		case <-ticker.C:
			if opts.Service == "" {
				continue
			}
			if err := Ping(ctx, conn, opts.Service, interval); err != nil {
				return err
			}
			if opts.Beat != nil {
				opts.Beat()
			}
		}
	}
}

// Ping calls org.freedesktop.DBus.Peer.Ping on service.
func Ping(ctx context.Context, conn *dbus.Conn, service string, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Object(service, "/").CallWithContext(pctx, PeerInterface+".Ping", 0).Err; err != nil {
		return fmt.Errorf("%w: ping %s: %v", adapters.ErrConnectionLost, service, err)
	}
	return nil
}

// Current tracks the connection and sink of the running session so Execute,
// which runs on the router's goroutine, can reach the bus.
type Current struct {
	mu   sync.Mutex
	conn *dbus.Conn
	sink adapters.Sink
}

// Set records the session. The returned func clears it again.
func (c *Current) Set(conn *dbus.Conn, sink adapters.Sink) func() {
	c.mu.Lock()
	c.conn, c.sink = conn, sink
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn, c.sink = nil, nil
		}
		c.mu.Unlock()
	}
}

// Get returns the running session or an error wrapping
// adapters.ErrConnectionLost.
func (c *Current) Get() (*dbus.Conn, adapters.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, fmt.Errorf("%w: no active session", adapters.ErrConnectionLost)
	}
	return c.conn, c.sink, nil
}

// Emit sends msgs to sink, stopping at the first error.
func Emit(sink adapters.Sink, msgs []state.Message) error {
	for _, m := range msgs {
		if err := sink.Emit(m); err != nil {
			return err
		}
	}
	return nil
}
