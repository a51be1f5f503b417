// Package notifications serves org.freedesktop.Notifications on the
// session bus and publishes the retained notifications.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "notifications"

	Service   = "org.freedesktop.Notifications"
	Path      = dbus.ObjectPath("/org/freedesktop/Notifications")
	Interface = "org.freedesktop.Notifications"

	DefaultCapacity = 50
)

// Capabilities advertised to clients.
var Capabilities = []string{"actions", "body", "body-markup", "persistence"}

// Config controls retention.
type Config struct {
	// Capacity bounds the number of retained notifications.
	Capacity int

	// DefaultExpire applies when a client leaves the timeout to the server
	// (-1). Zero keeps such notifications until dismissed.
	DefaultExpire time.Duration
}

func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity}
}

type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	store   *Store
	current dbusutil.Current
}

func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("adapter", Name),
		store:  NewStore(cfg.Capacity),
	}
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

// Store exposes the retained notifications.
func (a *Adapter) Store() *Store { return a.store }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	conn, err := dbusutil.Connect(ctx, dbusutil.Session)
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.RequestName(Service, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("%w: request name %s: %v", adapters.ErrConnectionLost, Service, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: name %s already taken", adapters.ErrConnectionLost, Service)
	}
	srv := &server{adapter: a, conn: conn}
	if err := conn.Export(srv, Path, Interface); err != nil {
		return fmt.Errorf("export %s: %w", Interface, err)
	}

	signals, err := dbusutil.Signals(conn, 8)
	if err != nil {
		return err
	}

	a.store.Attach(func(m state.Message) { _ = sink.Emit(m) }, func(c Closed) {
		if err := conn.Emit(Path, Interface+".NotificationClosed", c.ID, c.Reason); err != nil {
			a.logger.Debug("emit NotificationClosed", "id", c.ID, "error", err)
		}
	})
	defer a.store.Attach(nil, nil)
	defer a.current.Set(conn, sink)()
	sink.Ready()

	// The bus daemon answers the liveness pings; this adapter is the
	// service, so there is nobody else to ask.
	return dbusutil.Watch(ctx, conn, signals, dbusutil.WatchOptions{Service: dbusutil.BusName, Beat: sink.Beat}, func(*dbus.Signal) error {
		return nil
	})
}

// Execute supports dismiss {id}, dismiss-all, invoke {id, action},
// set-dnd {enabled} and toggle-dnd.
func (a *Adapter) Execute(_ context.Context, cmd adapters.Command) error {
	switch cmd.Action {
	case "dismiss":
		id, err := parseID(cmd.Param("id", ""))
		if err != nil {
			return adapters.Reject(Name, err)
		}
		if !a.store.Remove(id, ReasonDismissed) {
			return adapters.Reject(Name, fmt.Errorf("no notification %d", id))
		}
		return nil

	case "dismiss-all":
		a.store.Clear(ReasonDismissed)
		return nil

	case "invoke":
		id, err := parseID(cmd.Param("id", ""))
		if err != nil {
			return adapters.Reject(Name, err)
		}
		n, ok := a.store.Get(id)
		if !ok {
			return adapters.Reject(Name, fmt.Errorf("no notification %d", id))
		}
		action := cmd.Param("action", "default")
		if !hasAction(n.Actions, action) {
			return adapters.Reject(Name, fmt.Errorf("notification %d has no action %q", id, action))
		}
		conn, _, err := a.current.Get()
		if err != nil {
			return err
		}
		if err := conn.Emit(Path, Interface+".ActionInvoked", id, action); err != nil {
			return adapters.Reject(Name, err)
		}
		a.store.Remove(id, ReasonDismissed)
		return nil

	case "set-dnd":
		on, err := strconv.ParseBool(cmd.Param("enabled", ""))
		if err != nil {
			return adapters.Reject(Name, fmt.Errorf("enabled: %w", err))
		}
		a.store.SetDND(on)
		return nil

	case "toggle-dnd":
		a.store.SetDND(!a.store.DND())
		return nil
	}
	return adapters.Unsupported(Name, cmd.Action)
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid notification id %q", s)
	}
	return uint32(n), nil
}

// hasAction reports whether key is one of the action keys; actions come
// in key, label pairs.
func hasAction(actions []string, key string) bool {
	for i := 0; i+1 < len(actions); i += 2 {
		if actions[i] == key {
			return true
		}
	}
	return false
}

// Urgency names the urgency hint byte.
func Urgency(hints map[string]dbus.Variant) string {
	switch dbusutil.PropOr[byte](hints, "urgency", 1) {
	case 0:
		return "low"
	case 2:
		return "critical"
	}
	return "normal"
}

// server is the exported object. Method signatures follow the
// org.freedesktop.Notifications interface.
type server struct {
	adapter *Adapter
	conn    *dbus.Conn
}

func (s *server) GetCapabilities() ([]string, *dbus.Error) {
	return Capabilities, nil
}

func (s *server) Notify(appName string, replacesID uint32, appIcon, summary, body string,
	actions []string, hints map[string]dbus.Variant, expireTimeout int32) (uint32, *dbus.Error) {
	n := state.Notification{
		App:     appName,
		Summary: summary,
		Body:    body,
		Icon:    appIcon,
		Urgency: Urgency(hints),
		Actions: actions,
	}
	var expire time.Duration
	switch {
	case expireTimeout > 0:
		expire = time.Duration(expireTimeout) * time.Millisecond
	case expireTimeout < 0 && n.Urgency != "critical":
		expire = s.adapter.cfg.DefaultExpire
	}
	id := s.adapter.store.Add(n, replacesID, expire)
	s.adapter.logger.Debug("notification", "id", id, "app", appName, "urgency", n.Urgency)
	return id, nil
}

func (s *server) CloseNotification(id uint32) *dbus.Error {
	s.adapter.store.Remove(id, ReasonClosed)
	return nil
}

func (s *server) GetServerInformation() (string, string, string, string, *dbus.Error) {
	return "twig", "eucalyptus", "1.0", "1.2", nil
}
