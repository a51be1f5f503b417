// Package backlight reports and sets the display brightness.
//
// Brightness is read from sysfs and written through logind, which lets an
// unprivileged session change it without udev rules.
package backlight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/dbusutil"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const (
	Name = "backlight"

	PercentKey = "backlight.percent"
	DeviceKey  = "backlight.device"

	DefaultRoot = "/sys/class/backlight"
)

const (
	login1Service = "org.freedesktop.login1"
	login1Session = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
	sessionIface  = "org.freedesktop.login1.Session"
)

// Config selects the device.
type Config struct {
	// Root is the sysfs class directory.
	Root string

	// Device is a directory name under Root; empty picks the first one.
	Device string

	// PollInterval rereads the files in case the kernel changes brightness
	// without an inotify event. It is also the liveness beat.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{Root: DefaultRoot, PollInterval: 5 * time.Second}
}

// Writer applies a raw brightness value.
type Writer interface {
	SetBrightness(ctx context.Context, device string, value uint32) error
}

// Login1Writer calls Session.SetBrightness on the caller's session.
type Login1Writer struct{}

func (Login1Writer) SetBrightness(ctx context.Context, device string, value uint32) error {
	conn, err := dbusutil.Connect(ctx, dbusutil.System)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Object(login1Service, login1Session).
		CallWithContext(ctx, sessionIface+".SetBrightness", 0, "backlight", device, value).Err
}

// Reading is one sample of a device.
type Reading struct {
	Device     string
	Brightness int
	Max        int
}

// Percent converts the raw value, rounding to the nearest step.
func (r Reading) Percent() state.Percent {
	if r.Max <= 0 {
		return 0
	}
	return state.ClampPercent(math.Round(float64(r.Brightness) * 100 / float64(r.Max)))
}

// Messages renders r.
func (r Reading) Messages() []state.Message {
	return []state.Message{
		state.Set(PercentKey, r.Percent()),
		state.Set(DeviceKey, state.Text(r.Device)),
	}
}

// Target returns the raw value for percent, clamped to [0, max].
func (r Reading) Target(percent float64) uint32 {
	percent = math.Max(0, math.Min(100, percent))
	return uint32(math.Round(percent * float64(r.Max) / 100))
}

// FindDevice returns name if set, else the first device under root.
func FindDevice(root, name string) (string, error) {
	if name != "" {
		if _, err := os.Stat(filepath.Join(root, name, "brightness")); err != nil {
			return "", err
		}
		return name, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "", fmt.Errorf("no backlight device in %s", root)
	}
	return names[0], nil
}

// Read samples device under root.
func Read(root, device string) (Reading, error) {
	b, err := readInt(filepath.Join(root, device, "brightness"))
	if err != nil {
		return Reading{}, err
	}
	m, err := readInt(filepath.Join(root, device, "max_brightness"))
	if err != nil {
		return Reading{}, err
	}
	return Reading{Device: device, Brightness: b, Max: m}, nil
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

type Adapter struct {
	cfg    Config
	writer Writer
	logger *slog.Logger

	// poke asks the running session to reread after a write.
	poke chan struct{}
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithWriter(w Writer) Option {
	return func(a *Adapter) { a.writer = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(cfg Config, opts ...Option) *Adapter {
	def := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = def.Root
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	a := &Adapter{cfg: cfg, writer: Login1Writer{}, logger: slog.Default(), poke: make(chan struct{}, 1)}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	device, err := FindDevice(a.cfg.Root, a.cfg.Device)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	r, err := Read(a.cfg.Root, device)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	if err := emit(sink, r.Messages()); err != nil {
		return err
	}
	sink.Ready()

	var events chan fsnotify.Event
	var errs chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		a.logger.Warn("inotify unavailable, polling only", "error", err)
	} else {
		defer w.Close()
		if err := w.Add(filepath.Join(a.cfg.Root, device, "brightness")); err != nil {
			a.logger.Warn("cannot watch brightness, polling only", "device", device, "error", err)
		} else {
			events, errs = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.logger.Debug("watch error", "error", err)
			continue
		case <-a.poke:
		case <-ticker.C:
			sink.Beat()
		}

		r, err := Read(a.cfg.Root, device)
		if err != nil {
			return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
		}
		if err := emit(sink, r.Messages()); err != nil {
			return err
		}
	}
}

func emit(sink adapters.Sink, msgs []state.Message) error {
	for _, m := range msgs {
		if err := sink.Emit(m); err != nil {
			return err
		}
	}
	return nil
}

// Execute supports set {percent} and step {delta}, both in percent of the
// maximum brightness.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	device, err := FindDevice(a.cfg.Root, a.cfg.Device)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	r, err := Read(a.cfg.Root, device)
	if err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}

	var percent float64
	switch cmd.Action {
	case "set":
		percent, err = strconv.ParseFloat(cmd.Param("percent", ""), 64)
		if err != nil || percent < 0 || percent > 100 {
			return adapters.Reject(Name, fmt.Errorf("percent must be 0-100, got %q", cmd.Param("percent", "")))
		}
	case "step":
		delta, err := strconv.ParseFloat(cmd.Param("delta", ""), 64)
		if err != nil {
			return adapters.Reject(Name, fmt.Errorf("invalid delta %q", cmd.Param("delta", "")))
		}
		percent = float64(r.Percent()) + delta
	default:
		return adapters.Unsupported(Name, cmd.Action)
	}

	value := r.Target(percent)
	a.logger.Debug("set brightness", "device", device, "value", value, "correlation", cmd.CorrelationID)
	if err := a.writer.SetBrightness(ctx, device, value); err != nil {
		if errors.Is(err, adapters.ErrConnectionLost) {
			return err
		}
		return adapters.Reject(Name, err)
	}
	select {
	case a.poke <- struct{}{}:
	default:
	}
	return nil
}
