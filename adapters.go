package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/adapters/audio"
	"github.com/eucalyptus-twig/twig/pkg/adapters/backlight"
	"github.com/eucalyptus-twig/twig/pkg/adapters/bluetooth"
	"github.com/eucalyptus-twig/twig/pkg/adapters/clock"
	"github.com/eucalyptus-twig/twig/pkg/adapters/compositor"
	"github.com/eucalyptus-twig/twig/pkg/adapters/network"
	"github.com/eucalyptus-twig/twig/pkg/adapters/notifications"
	"github.com/eucalyptus-twig/twig/pkg/adapters/power"
	"github.com/eucalyptus-twig/twig/pkg/adapters/powerprofile"
	"github.com/eucalyptus-twig/twig/pkg/adapters/session"
	"github.com/eucalyptus-twig/twig/pkg/adapters/sysmetrics"
	"github.com/eucalyptus-twig/twig/pkg/adapters/tray"
	"github.com/eucalyptus-twig/twig/pkg/adapters/workspaces"
	"github.com/eucalyptus-twig/twig/pkg/config"
)

// buildAdapters constructs the enabled adapters in registration order.
func buildAdapters(cfg config.AdaptersConfig, logger *slog.Logger) ([]adapters.Adapter, error) {
	var out []adapters.Adapter
	for _, name := range cfg.Enabled() {
		a, err := buildAdapter(name, cfg, logger.With("adapter", name))
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func buildAdapter(name string, cfg config.AdaptersConfig, logger *slog.Logger) (adapters.Adapter, error) {
	switch name {
	case clock.Name:
		c := clock.DefaultConfig()
		c.TimeLayout = orString(cfg.Clock.TimeLayout, c.TimeLayout)
		c.DateLayout = orString(cfg.Clock.DateLayout, c.DateLayout)
		if tz := cfg.Clock.Timezone; tz != "" {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return nil, err
			}
			c.Location = loc
		}
		return clock.New(c), nil

	case workspaces.Name:
		return workspaces.New(
			workspaces.WithRefreshInterval(cfg.Workspaces.RefreshInterval.Duration),
			workspaces.WithLogger(logger),
		), nil

	case compositor.Name:
		return compositor.New(
			compositor.WithRefreshInterval(cfg.Compositor.RefreshInterval.Duration),
			compositor.WithLogger(logger),
		), nil

	case sysmetrics.Name:
		c := sysmetrics.DefaultConfig()
		c.FastInterval = cfg.SysMetrics.FastInterval.Or(c.FastInterval)
		c.SlowInterval = cfg.SysMetrics.SlowInterval.Or(c.SlowInterval)
		c.MonitoredMounts = cfg.SysMetrics.Mounts
		return sysmetrics.New(c, sysmetrics.WithLogger(logger)), nil

	case power.Name:
		return power.New(logger), nil

	case powerprofile.Name:
		return powerprofile.New(logger), nil

	case backlight.Name:
		c := backlight.DefaultConfig()
		c.Device = cfg.Backlight.Device
		c.PollInterval = cfg.Backlight.PollInterval.Or(c.PollInterval)
		return backlight.New(c, backlight.WithLogger(logger)), nil

	case network.Name:
		return network.New(logger), nil

	case bluetooth.Name:
		return bluetooth.New(logger), nil

	case audio.Name:
		c := audio.DefaultConfig()
		c.PollInterval = cfg.Audio.PollInterval.Or(c.PollInterval)
		c.Subscribe = cfg.Audio.Subscribe
		return audio.New(c, audio.WithLogger(logger)), nil

	case notifications.Name:
		c := notifications.DefaultConfig()
		if cfg.Notifications.Capacity > 0 {
			c.Capacity = cfg.Notifications.Capacity
		}
		c.DefaultExpire = cfg.Notifications.DefaultExpire.Duration
		return notifications.New(c, logger), nil

	case tray.Name:
		return tray.New(logger), nil

	case session.Name:
		return session.New(logger), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", name)
}

func orString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
