package tray

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const (
	WatcherService   = "org.kde.StatusNotifierWatcher"
	WatcherInterface = "org.kde.StatusNotifierWatcher"
	WatcherPath      = dbus.ObjectPath("/StatusNotifierWatcher")
)

// Watcher serves org.kde.StatusNotifierWatcher when no other process does.
// Items register with it and it announces them to hosts, including this
// adapter's own host.
type Watcher struct {
	conn *dbus.Conn

	mu    sync.Mutex
	hosts []string
	items []string
}

// NewWatcher returns a watcher bound to conn. A nil conn keeps the
// registry in memory only.
func NewWatcher(conn *dbus.Conn) *Watcher {
	return &Watcher{conn: conn}
}

// Listen claims the watcher name and exports the object.
func (w *Watcher) Listen() error {
	reply, err := w.conn.RequestName(WatcherService, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", WatcherService, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", WatcherService)
	}
	if err := w.conn.Export(w, WatcherPath, WatcherInterface); err != nil {
		return fmt.Errorf("export %s: %w", WatcherInterface, err)
	}
	w.mu.Lock()
	w.exportProperties()
	w.mu.Unlock()
	return nil
}

// RegisterStatusNotifierItem is called by items. Name is either a bus name
// or an object path on the sender's connection.
func (w *Watcher) RegisterStatusNotifierItem(name string, sender dbus.Sender) *dbus.Error {
	identifier := ItemIdentifier(name, string(sender))

	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.items, identifier) {
		return nil
	}
	w.items = append(w.items, identifier)
	w.emit("StatusNotifierItemRegistered", identifier)
	w.exportProperties()
	return nil
}

// RegisterStatusNotifierHost is called by hosts.
func (w *Watcher) RegisterStatusNotifierHost(name string) *dbus.Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if slices.Contains(w.hosts, name) {
		return nil
	}
	w.hosts = append(w.hosts, name)
	w.emit("StatusNotifierHostRegistered")
	w.exportProperties()
	return nil
}

// Items returns the registered item identifiers.
func (w *Watcher) Items() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.items)
}

// NameLost drops the hosts and items owned by a bus name that left. It
// returns the dropped item identifiers.
func (w *Watcher) NameLost(name string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var gone []string
	w.items = slices.DeleteFunc(w.items, func(id string) bool {
		owner, _ := ParseItemIdentifier(id)
		if owner == name {
			gone = append(gone, id)
			return true
		}
		return false
	})
	hosts := len(w.hosts)
	w.hosts = slices.DeleteFunc(w.hosts, func(h string) bool { return h == name })

	for _, id := range gone {
		w.emit("StatusNotifierItemUnregistered", id)
	}
	if len(gone) > 0 || hosts != len(w.hosts) {
		w.exportProperties()
	}
	return gone
}

func (w *Watcher) emit(member string, args ...any) {
	if w.conn == nil {
		return
	}
	_ = w.conn.Emit(WatcherPath, WatcherInterface+"."+member, args...)
}

// exportProperties republishes the properties. Callers hold w.mu.
func (w *Watcher) exportProperties() {
	if w.conn == nil {
		return
	}
	_, _ = prop.Export(w.conn, WatcherPath, prop.Map{
		WatcherInterface: {
			"RegisteredStatusNotifierItems":  {Value: slices.Clone(w.items), Emit: prop.EmitTrue},
			"IsStatusNotifierHostRegistered": {Value: len(w.hosts) > 0, Emit: prop.EmitTrue},
			"ProtocolVersion":                {Value: int32(0), Emit: prop.EmitTrue},
		},
	})
}

// ItemIdentifier builds "<bus name><object path>" the way watchers publish
// items. Registrations by object path are qualified with the sender.
func ItemIdentifier(name, sender string) string {
	if strings.HasPrefix(name, "/") {
		return sender + name
	}
	if !strings.Contains(name, "/") {
		return name + string(ItemPath)
	}
	return name
}

// ParseItemIdentifier splits "<bus name>/<path>". A bare name uses the
// default item path.
func ParseItemIdentifier(id string) (string, dbus.ObjectPath) {
	name, path, ok := strings.Cut(id, "/")
	if !ok {
		return name, ItemPath
	}
	return name, dbus.ObjectPath("/" + path)
}
