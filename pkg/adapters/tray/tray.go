// Package tray hosts StatusNotifierItems. When no watcher runs on the
// session bus the adapter serves one itself.
package tray

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const Name = "tray"

type entry struct {
	key     string
	service string
	owner   string
	path    dbus.ObjectPath
	item    state.TrayItem
}

// Index maps watcher identifiers to published keys.
type Index struct {
	byID  map[string]*entry
	byKey map[string]*entry
}

func NewIndex() *Index {
	return &Index{byID: make(map[string]*entry), byKey: make(map[string]*entry)}
}

// Put records an item owned by the unique name owner and returns its key.
// Keys derive from the item Id; a second item with the same Id is qualified
// with its bus name.
func (x *Index) Put(identifier, owner string, it state.TrayItem) string {
	service, path := ParseItemIdentifier(identifier)
	if e, ok := x.byID[identifier]; ok {
		e.item = it
		e.owner = owner
		return e.key
	}
	base := it.ID
	if base == "" {
		base = service
	}
	key := state.Join(Name, state.Sanitize(base))
	if _, taken := x.byKey[key]; taken {
		key = state.Join(Name, state.Sanitize(base+"-"+strings.TrimPrefix(service, ":")))
	}
	e := &entry{key: key, service: service, owner: owner, path: path, item: it}
	x.byID[identifier] = e
	x.byKey[key] = e
	return key
}

// Remove forgets identifier and returns its key.
func (x *Index) Remove(identifier string) (string, bool) {
	e, ok := x.byID[identifier]
	if !ok {
		return "", false
	}
	delete(x.byID, identifier)
	delete(x.byKey, e.key)
	return e.key, true
}

// ByService returns the identifiers registered under name, either as the
// registered bus name or as its unique owner.
func (x *Index) ByService(name string) []string {
	var out []string
	for id, e := range x.byID {
		if e.service == name || e.owner == name {
			out = append(out, id)
		}
	}
	return out
}

// Lookup resolves a key or its last segment.
func (x *Index) Lookup(ref string) (service string, path dbus.ObjectPath, ok bool) {
	if !strings.HasPrefix(ref, Name+".") {
		ref = state.Join(Name, ref)
	}
	e, ok := x.byKey[ref]
	if !ok {
		return "", "", false
	}
	return e.service, e.path, true
}

type Adapter struct {
	logger  *slog.Logger
	current dbusutil.Current

	mu    sync.Mutex
	index *Index
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
	conn, err := dbusutil.Connect(ctx, dbusutil.Session)
	if err != nil {
		return err
	}
	defer conn.Close()

	signals, err := dbusutil.Signals(conn, 128,
		[]dbus.MatchOption{dbus.WithMatchInterface(WatcherInterface)},
		[]dbus.MatchOption{dbus.WithMatchInterface(ItemInterface)},
		[]dbus.MatchOption{
			dbus.WithMatchSender(dbusutil.BusName),
			dbus.WithMatchInterface(dbusutil.BusName),
			dbus.WithMatchMember("NameOwnerChanged"),
		},
	)
	if err != nil {
		return err
	}

	// Become the watcher when nobody else is.
	var watcher *Watcher
	external, err := dbusutil.HasOwner(ctx, conn, WatcherService)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	if !external {
		watcher = NewWatcher(conn)
		if err := watcher.Listen(); err != nil {
			return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
		}
		a.logger.Info("serving StatusNotifierWatcher")
	}

	hostName := "org.kde.StatusNotifierHost-" + strconv.Itoa(os.Getpid())
	if _, err := conn.RequestName(hostName, dbus.NameFlagDoNotQueue); err != nil {
		return fmt.Errorf("%w: request name %s: %v", adapters.ErrConnectionLost, hostName, err)
	}

	var registered []string
	if watcher != nil {
		watcher.RegisterStatusNotifierHost(hostName)
		registered = watcher.Items()
	} else {
		obj := conn.Object(WatcherService, WatcherPath)
		if err := obj.CallWithContext(ctx, WatcherInterface+".RegisterStatusNotifierHost", 0, hostName).Err; err != nil {
			return fmt.Errorf("%w: register host: %v", adapters.ErrConnectionLost, err)
		}
		v, err := obj.GetProperty(WatcherInterface + ".RegisteredStatusNotifierItems")
		if err != nil {
			return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
		}
		registered, _ = v.Value().([]string)
	}

	index := NewIndex()
	a.mu.Lock()
	a.index = index
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.index = nil
		a.mu.Unlock()
	}()

	for _, id := range registered {
		if err := a.add(ctx, conn, sink, index, id); err != nil {
			return err
		}
	}
	defer a.current.Set(conn, sink)()
	sink.Ready()

	watchService := WatcherService
	if watcher != nil {
		watchService = dbusutil.BusName
	}
	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: watchService, Beat: sink.Beat}, func(sig *dbus.Signal) error {
		switch {
		case sig.Name == WatcherInterface+".StatusNotifierItemRegistered":
			id, ok := firstString(sig)
			if !ok {
				sink.Violation(adapters.Violation("StatusNotifierItemRegistered body %v", sig.Body))
				return nil
			}
			return a.add(ctx, conn, sink, index, id)

		case sig.Name == WatcherInterface+".StatusNotifierItemUnregistered":
			id, ok := firstString(sig)
			if !ok {
				sink.Violation(adapters.Violation("StatusNotifierItemUnregistered body %v", sig.Body))
				return nil
			}
			return a.remove(sink, index, id)

		case strings.HasPrefix(sig.Name, ItemInterface+"."):
			return a.refresh(ctx, conn, sink, index, sig.Sender)

		case sig.Name == dbusutil.BusName+".NameOwnerChanged":
			if len(sig.Body) < 3 {
				return nil
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if newOwner != "" {
				return nil
			}
			if watcher != nil {
				watcher.NameLost(name)
			}
			a.mu.Lock()
			gone := index.ByService(name)
			a.mu.Unlock()
			for _, id := range gone {
				if err := a.remove(sink, index, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func firstString(sig *dbus.Signal) (string, bool) {
	if len(sig.Body) < 1 {
		return "", false
	}
	s, ok := sig.Body[0].(string)
	return s, ok && s != ""
}

// add loads a newly registered item. Items that cannot be read are
// skipped; a misbehaving application must not take the tray down.
func (a *Adapter) add(ctx context.Context, conn *dbus.Conn, sink adapters.Sink, index *Index, id string) error {
	service, path := ParseItemIdentifier(id)
	it, err := LoadItem(ctx, conn, service, path)
	if err != nil {
		a.logger.Debug("skipping tray item", "item", id, "error", err)
		return nil
	}
	owner := NameOwner(ctx, conn, service)
	a.mu.Lock()
	key := index.Put(id, owner, it)
	a.mu.Unlock()
	return sink.Emit(state.Set(key, it))
}

func (a *Adapter) remove(sink adapters.Sink, index *Index, id string) error {
	a.mu.Lock()
	key, ok := index.Remove(id)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return sink.Emit(state.Delete(key))
}

// refresh reloads every item owned by sender after an update signal.
func (a *Adapter) refresh(ctx context.Context, conn *dbus.Conn, sink adapters.Sink, index *Index, sender string) error {
	a.mu.Lock()
	ids := index.ByService(sender)
	a.mu.Unlock()
	for _, id := range ids {
		if err := a.add(ctx, conn, sink, index, id); err != nil {
			return err
		}
	}
	return nil
}

// Execute supports activate, secondary-activate and context-menu with
// optional x and y, and scroll with delta and orientation. The item is the
// id parameter or the command target key.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	var (
		method string
		args   []any
	)
	switch cmd.Action {
	case "activate", "secondary-activate", "context-menu":
		x, errX := strconv.Atoi(cmd.Param("x", "0"))
		y, errY := strconv.Atoi(cmd.Param("y", "0"))
		if errX != nil || errY != nil {
			return adapters.Reject(Name, fmt.Errorf("x and y must be integers"))
		}
		method = map[string]string{
			"activate":           "Activate",
			"secondary-activate": "SecondaryActivate",
			"context-menu":       "ContextMenu",
		}[cmd.Action]
		args = []any{int32(x), int32(y)}
	case "scroll":
		delta, err := strconv.Atoi(cmd.Param("delta", ""))
		if err != nil {
			return adapters.Reject(Name, fmt.Errorf("delta: %w", err))
		}
		orientation := cmd.Param("orientation", "vertical")
		if orientation != "vertical" && orientation != "horizontal" {
			return adapters.Reject(Name, fmt.Errorf("orientation must be vertical or horizontal"))
		}
		method = "Scroll"
		args = []any{int32(delta), orientation}
	default:
		return adapters.Unsupported(Name, cmd.Action)
	}

	conn, _, err := a.current.Get()
	if err != nil {
		return err
	}
	ref := cmd.Param("id", cmd.Target)
	a.mu.Lock()
	var (
		service string
		path    dbus.ObjectPath
		ok      bool
	)
	if a.index != nil {
		service, path, ok = a.index.Lookup(ref)
	}
	a.mu.Unlock()
	if !ok {
		return adapters.Reject(Name, fmt.Errorf("no tray item %q", ref))
	}
	call := conn.Object(service, path).CallWithContext(ctx, ItemInterface+"."+method, dbus.FlagNoAutoStart, args...)
	return adapters.Reject(Name, call.Err)
}
