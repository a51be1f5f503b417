package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eucalyptus-twig/twig/pkg/adapters/audio"
	"github.com/eucalyptus-twig/twig/pkg/adapters/clock"
	"github.com/eucalyptus-twig/twig/pkg/adapters/notifications"
	"github.com/eucalyptus-twig/twig/pkg/adapters/sysmetrics"
	"github.com/eucalyptus-twig/twig/pkg/statusbar"
)

// AppName names the config and runtime directories.
const AppName = "eucalyptus-twig"

// Load reads configuration from the standard config path.
// Search order:
//  1. $XDG_CONFIG_HOME/eucalyptus-twig/eucalyptus-twig.toml
//  2. ~/.config/eucalyptus-twig/eucalyptus-twig.toml
//
// If no file exists, returns DefaultConfig() with env overrides applied.
func Load() (*Config, string, error) {
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err == nil {
			cfg, err := LoadFromFile(p)
			return cfg, p, err
		}
	}
	cfg, err := LoadFromReader(strings.NewReader(""))
	return cfg, "", err
}

// LoadFromFile reads configuration from a specific file path. A missing file
// yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadFromReader(strings.NewReader(""))
		}
		return nil, err
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes TOML from r over the defaults, applies TWIG_*
// environment overrides and validates the result. Unknown keys are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	// The preset decides the enabled defaults, so it is read first.
	var head struct {
		General struct {
			Preset string `toml:"preset"`
		} `toml:"general"`
	}
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&head); err != nil {
		return nil, err
	}
	preset := head.General.Preset
	if v := os.Getenv("TWIG_PRESET"); v != "" {
		preset = v
	}

	cfg := DefaultConfig()
	cfg.General.Preset = preset
	if err := applyPreset(&cfg.Adapters, preset); err != nil {
		return nil, err
	}

	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if preset != "" {
		cfg.General.Preset = preset
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in configuration with the default preset.
func DefaultConfig() *Config {
	run := RuntimeDir()
	bar := statusbar.DefaultConfig()
	sm := sysmetrics.DefaultConfig()
	ck := clock.DefaultConfig()
	au := audio.DefaultConfig()

	cfg := &Config{
		General: GeneralConfig{
			LogLevel:   "info",
			Socket:     filepath.Join(run, "twig.sock"),
			PIDFile:    filepath.Join(run, "twig.pid"),
			HealthFile: filepath.Join(run, "health.json"),
			Preset:     DefaultPreset,
		},
		Hub: HubConfig{MailboxSize: bar.MailboxSize},
		Supervisor: SupervisorConfig{
			ConnectTimeout:  Dur(bar.Supervisor.ConnectTimeout),
			LivenessTimeout: Dur(bar.Supervisor.LivenessTimeout),
			FailAfter:       Dur(bar.Supervisor.FailAfter),
			BackoffInitial:  Dur(bar.Supervisor.BackoffInitial),
			BackoffMax:      Dur(bar.Supervisor.BackoffMax),
			MessageBuffer:   bar.Supervisor.MessageBuffer,
			ViolationRate:   bar.Supervisor.ViolationRate,
			ViolationBurst:  bar.Supervisor.ViolationBurst,
		},
		Commands: CommandsConfig{
			DefaultTimeout: Dur(bar.Commands.DefaultTimeout),
			ExecTimeout:    Dur(bar.Commands.ExecTimeout),
			QueueSize:      bar.Commands.QueueSize,
		},
		Adapters: AdaptersConfig{
			Audio:         AudioConfig{PollInterval: Dur(au.PollInterval), Subscribe: au.Subscribe},
			Notifications: NotificationsConfig{Capacity: notifications.DefaultCapacity},
			Workspaces:    HyprlandConfig{RefreshInterval: Dur(10 * time.Second)},
			Compositor:    HyprlandConfig{RefreshInterval: Dur(10 * time.Second)},
			Clock:         ClockConfig{TimeLayout: ck.TimeLayout, DateLayout: ck.DateLayout},
			SysMetrics: SysMetricsConfig{
				FastInterval: Dur(sm.FastInterval),
				SlowInterval: Dur(sm.SlowInterval),
				Mounts:       sm.MonitoredMounts,
			},
			Backlight: BacklightConfig{PollInterval: Dur(5 * time.Second)},
		},
	}
	_ = applyPreset(&cfg.Adapters, DefaultPreset)
	return cfg
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if !logLevels[strings.ToLower(c.General.LogLevel)] {
		errs = append(errs, fmt.Errorf("general.log_level %q: want debug, info, warn or error", c.General.LogLevel))
	}
	if c.General.Socket == "" {
		errs = append(errs, errors.New("general.socket is empty"))
	}
	if _, err := AdapterPreset(c.General.Preset); err != nil {
		errs = append(errs, fmt.Errorf("general.preset: %w", err))
	}
	if c.Hub.MailboxSize <= 0 {
		errs = append(errs, fmt.Errorf("hub.mailbox_size must be positive, got %d", c.Hub.MailboxSize))
	}
	s := c.Supervisor
	if s.BackoffInitial.Duration > 0 && s.BackoffMax.Duration > 0 && s.BackoffInitial.Duration > s.BackoffMax.Duration {
		errs = append(errs, fmt.Errorf("supervisor.backoff_initial %s exceeds backoff_max %s", s.BackoffInitial, s.BackoffMax))
	}
	if s.ViolationRate < 0 || s.ViolationBurst < 0 {
		errs = append(errs, errors.New("supervisor violation budget must not be negative"))
	}
	if c.Commands.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("commands.queue_size must not be negative, got %d", c.Commands.QueueSize))
	}
	if tz := c.Adapters.Clock.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("adapters.clock.timezone: %w", err))
		}
	}
	if c.Adapters.Notifications.Capacity < 0 {
		errs = append(errs, errors.New("adapters.notifications.capacity must not be negative"))
	}
	return errors.Join(errs...)
}

// Bar converts the tunables for statusbar.New. Zero values fall back to the
// built-in defaults.
func (c *Config) Bar() statusbar.Config {
	bar := statusbar.DefaultConfig()
	if c.Hub.MailboxSize > 0 {
		bar.MailboxSize = c.Hub.MailboxSize
	}
	s, d := c.Supervisor, bar.Supervisor
	bar.Supervisor.ConnectTimeout = s.ConnectTimeout.Or(d.ConnectTimeout)
	bar.Supervisor.LivenessTimeout = s.LivenessTimeout.Or(d.LivenessTimeout)
	bar.Supervisor.FailAfter = s.FailAfter.Or(d.FailAfter)
	bar.Supervisor.BackoffInitial = s.BackoffInitial.Or(d.BackoffInitial)
	bar.Supervisor.BackoffMax = s.BackoffMax.Or(d.BackoffMax)
	if s.MessageBuffer > 0 {
		bar.Supervisor.MessageBuffer = s.MessageBuffer
	}
	if s.ViolationRate > 0 {
		bar.Supervisor.ViolationRate = s.ViolationRate
	}
	if s.ViolationBurst > 0 {
		bar.Supervisor.ViolationBurst = s.ViolationBurst
	}
	bar.Commands.DefaultTimeout = c.Commands.DefaultTimeout.Or(bar.Commands.DefaultTimeout)
	bar.Commands.ExecTimeout = c.Commands.ExecTimeout.Or(bar.Commands.ExecTimeout)
	if c.Commands.QueueSize > 0 {
		bar.Commands.QueueSize = c.Commands.QueueSize
	}
	return bar
}

// applyEnvOverrides checks TWIG_* variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWIG_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
	if v := os.Getenv("TWIG_LOG_FILE"); v != "" {
		cfg.General.LogFile = v
	}
	if v := os.Getenv("TWIG_SOCKET"); v != "" {
		cfg.General.Socket = v
	}
	if v := os.Getenv("TWIG_METRICS_LISTEN"); v != "" {
		cfg.General.MetricsListen = v
	}
}

// SearchPaths returns the ordered list of config file paths to try.
func SearchPaths() []string {
	home, _ := os.UserHomeDir()
	name := AppName + ".toml"
	var paths []string

	xdg := xdgConfigHome(home)
	paths = append(paths, filepath.Join(xdg, AppName, name))

	defaultXDG := filepath.Join(home, ".config")
	if xdg != defaultXDG {
		paths = append(paths, filepath.Join(defaultXDG, AppName, name))
	}
	return paths
}

// RuntimeDir returns $XDG_RUNTIME_DIR/eucalyptus-twig, or a per-user
// directory under the system temp dir when XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, AppName)
	}
	return filepath.Join(os.TempDir(), AppName+"-"+strconv.Itoa(os.Getuid()))
}

// xdgConfigHome returns XDG_CONFIG_HOME or ~/.config as fallback.
func xdgConfigHome(home string) string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".config")
}
