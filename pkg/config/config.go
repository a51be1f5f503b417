package config

// Config is the root of eucalyptus-twig.toml.
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Hub        HubConfig        `toml:"hub"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Commands   CommandsConfig   `toml:"commands"`
	Adapters   AdaptersConfig   `toml:"adapters"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	// Socket is the unix socket of the IPC server.
	Socket string `toml:"socket"`

	// MetricsListen enables the Prometheus endpoint, e.g. "127.0.0.1:9273".
	MetricsListen string `toml:"metrics_listen"`

	PIDFile    string `toml:"pid_file"`
	HealthFile string `toml:"health_file"`

	// Preset selects the default set of enabled adapters.
	Preset string `toml:"preset"`

	// WatchConfig rereads the file when it changes. Only the log level applies
	// without a restart.
	WatchConfig bool `toml:"watch_config"`
}

// HubConfig tunes fan-out to subscribers.
type HubConfig struct {
	MailboxSize int `toml:"mailbox_size"`
}

// SupervisorConfig tunes adapter reconnection.
type SupervisorConfig struct {
	ConnectTimeout  Duration `toml:"connect_timeout"`
	LivenessTimeout Duration `toml:"liveness_timeout"`
	FailAfter       Duration `toml:"fail_after"`
	BackoffInitial  Duration `toml:"backoff_initial"`
	BackoffMax      Duration `toml:"backoff_max"`
	MessageBuffer   int      `toml:"message_buffer"`
	ViolationRate   float64  `toml:"violation_rate"`
	ViolationBurst  int      `toml:"violation_burst"`
}

// CommandsConfig tunes the command router.
type CommandsConfig struct {
	DefaultTimeout Duration `toml:"default_timeout"`
	ExecTimeout    Duration `toml:"exec_timeout"`
	QueueSize      int      `toml:"queue_size"`
}

// AdaptersConfig has one table per adapter.
type AdaptersConfig struct {
	Power         Toggle              `toml:"power"`
	Network       Toggle              `toml:"network"`
	Bluetooth     Toggle              `toml:"bluetooth"`
	Audio         AudioConfig         `toml:"audio"`
	PowerProfile  Toggle              `toml:"powerprofile"`
	Notifications NotificationsConfig `toml:"notifications"`
	Tray          Toggle              `toml:"tray"`
	Workspaces    HyprlandConfig      `toml:"workspaces"`
	Compositor    HyprlandConfig      `toml:"compositor"`
	Clock         ClockConfig         `toml:"clock"`
	SysMetrics    SysMetricsConfig    `toml:"sysmetrics"`
	Backlight     BacklightConfig     `toml:"backlight"`
	Session       Toggle              `toml:"session"`
}

// Toggle is the table of an adapter without options.
type Toggle struct {
	Enabled bool `toml:"enabled"`
}

type AudioConfig struct {
	Enabled      bool     `toml:"enabled"`
	PollInterval Duration `toml:"poll_interval"`
	Subscribe    bool     `toml:"subscribe"`
}

type NotificationsConfig struct {
	Enabled       bool     `toml:"enabled"`
	Capacity      int      `toml:"capacity"`
	DefaultExpire Duration `toml:"default_expire"`
}

type HyprlandConfig struct {
	Enabled         bool     `toml:"enabled"`
	RefreshInterval Duration `toml:"refresh_interval"`
}

// ClockConfig uses Go reference-time layouts.
type ClockConfig struct {
	Enabled    bool   `toml:"enabled"`
	TimeLayout string `toml:"time_layout"`
	DateLayout string `toml:"date_layout"`
	Timezone   string `toml:"timezone"`
}

type SysMetricsConfig struct {
	Enabled      bool     `toml:"enabled"`
	FastInterval Duration `toml:"fast_interval"`
	SlowInterval Duration `toml:"slow_interval"`
	Mounts       []string `toml:"mounts"`
}

type BacklightConfig struct {
	Enabled      bool     `toml:"enabled"`
	Device       string   `toml:"device"`
	PollInterval Duration `toml:"poll_interval"`
}

// Enabled returns the names of the enabled adapters in registration order.
func (a AdaptersConfig) Enabled() []string {
	var out []string
	for _, e := range a.toggles() {
		if *e.on {
			out = append(out, e.name)
		}
	}
	return out
}

type toggle struct {
	name string
	on   *bool
}

// toggles lists every adapter's enabled flag in registration order.
func (a *AdaptersConfig) toggles() []toggle {
	return []toggle{
		{"clock", &a.Clock.Enabled},
		{"workspaces", &a.Workspaces.Enabled},
		{"compositor", &a.Compositor.Enabled},
		{"sysmetrics", &a.SysMetrics.Enabled},
		{"power", &a.Power.Enabled},
		{"powerprofile", &a.PowerProfile.Enabled},
		{"backlight", &a.Backlight.Enabled},
		{"network", &a.Network.Enabled},
		{"bluetooth", &a.Bluetooth.Enabled},
		{"audio", &a.Audio.Enabled},
		{"notifications", &a.Notifications.Enabled},
		{"tray", &a.Tray.Enabled},
		{"session", &a.Session.Enabled},
	}
}
