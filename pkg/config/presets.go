package config

import (
	"fmt"
	"slices"
	"sort"
)

// presets maps a preset name to the adapters it enables.
var presets = map[string][]string{
	// laptop enables everything.
	"laptop": {
		"clock", "workspaces", "compositor", "sysmetrics", "power", "powerprofile",
		"backlight", "network", "bluetooth", "audio", "notifications", "tray", "session",
	},
	// desktop drops the battery and panel backlight.
	"desktop": {
		"clock", "workspaces", "compositor", "sysmetrics", "powerprofile",
		"network", "bluetooth", "audio", "notifications", "tray", "session",
	},
	// minimal needs no system services besides the compositor.
	"minimal": {"clock", "workspaces", "compositor", "sysmetrics"},
}

// DefaultPreset is used when general.preset is empty.
const DefaultPreset = "laptop"

// Presets returns the known preset names, sorted.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AdapterPreset returns the adapters enabled by the named preset.
func AdapterPreset(name string) ([]string, error) {
	if name == "" {
		name = DefaultPreset
	}
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q (known: %v)", name, Presets())
	}
	return slices.Clone(p), nil
}

// applyPreset sets every adapter's enabled flag from the preset. Tables in
// the file decoded afterwards override individual flags.
func applyPreset(a *AdaptersConfig, name string) error {
	enabled, err := AdapterPreset(name)
	if err != nil {
		return err
	}
	for _, t := range a.toggles() {
		*t.on = slices.Contains(enabled, t.name)
	}
	return nil
}
