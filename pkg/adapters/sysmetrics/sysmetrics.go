// Package sysmetrics publishes CPU, memory, swap, load, uptime and disk
// usage under the "system" namespace. It uses gopsutil so the same code runs
// on Linux and Darwin without reading /proc directly.
package sysmetrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// Name is the adapter name.
const Name = "sysmetrics"

// Namespace is the key prefix owned by the adapter.
const Namespace = "system"

// Config controls sampling.
type Config struct {
	// FastInterval is the polling rate for CPU, memory and load (default 2s).
	FastInterval time.Duration

	// SlowInterval is the polling rate for disk usage (default 60s).
	SlowInterval time.Duration

	// MonitoredMounts restricts disk keys to these mount paths. Empty means
	// no disk keys are published.
	MonitoredMounts []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FastInterval: 2 * time.Second,
		SlowInterval: 60 * time.Second,
	}
}

// Sample is one fast-cadence reading.
type Sample struct {
	CPU     float64
	Memory  float64
	Swap    float64
	HasSwap bool
	Load1   float64
	Uptime  time.Duration
}

// DiskUsage is the usage of one mount point.
type DiskUsage struct {
	Path        string
	UsedPercent float64
}

// Sampler reads the host. The gopsutil implementation is used unless a test
// supplies another.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
	Disks(ctx context.Context, mounts []string) ([]DiskUsage, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSampler replaces the gopsutil sampler.
func WithSampler(s Sampler) Option {
	return func(a *Adapter) { a.sampler = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// Adapter polls the host on two cadences.
type Adapter struct {
	cfg     Config
	sampler Sampler
	logger  *slog.Logger
}

// New creates the adapter. Zero-value fields in cfg are replaced with
// defaults.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultConfig().FastInterval
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = DefaultConfig().SlowInterval
	}
	a := &Adapter{cfg: cfg, sampler: gopsutilSampler{}, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("adapter", Name)
	return a
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Namespace} }

// Run samples immediately, marks the session ready and keeps polling until
// ctx ends. A fast sample that fails completely ends the session.
func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	if err := a.fast(ctx, sink); err != nil {
		return err
	}
	disks := a.slow(ctx, sink, nil)
	sink.Ready()

	fast := time.NewTicker(a.cfg.FastInterval)
	defer fast.Stop()
	slow := time.NewTicker(a.cfg.SlowInterval)
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fast.C:
			if err := a.fast(ctx, sink); err != nil {
				return err
			}
			sink.Beat()
		case <-slow.C:
			disks = a.slow(ctx, sink, disks)
		}
	}
}

// Execute rejects every action; metrics are read only.
func (a *Adapter) Execute(_ context.Context, cmd adapters.Command) error {
	return adapters.Unsupported(Name, cmd.Action)
}

func (a *Adapter) fast(ctx context.Context, sink adapters.Sink) error {
	s, err := a.sampler.Sample(ctx)
	if err != nil {
		if errors.Is(err, errAllFailed) {
			return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
		}
		a.logger.Debug("partial sample", "error", err)
	}
	for _, msg := range Messages(s) {
		if err := sink.Emit(msg); err != nil {
			return err
		}
	}
	return nil
}

// slow publishes disk usage and deletes keys of mounts that disappeared.
// It returns the keys now present.
func (a *Adapter) slow(ctx context.Context, sink adapters.Sink, prev map[string]bool) map[string]bool {
	if len(a.cfg.MonitoredMounts) == 0 {
		return nil
	}
	usage, err := a.sampler.Disks(ctx, a.cfg.MonitoredMounts)
	if err != nil {
		a.logger.Debug("disk sample failed", "error", err)
	}
	msgs, now := DiskMessages(usage, prev)
	for _, msg := range msgs {
		if err := sink.Emit(msg); err != nil {
			return now
		}
	}
	return now
}

// Messages maps a sample to its keys.
func Messages(s Sample) []state.Message {
	msgs := []state.Message{
		state.Set("system.cpu", state.ClampPercent(s.CPU)),
		state.Set("system.memory", state.ClampPercent(s.Memory)),
		state.Set("system.load1", state.Text(fmt.Sprintf("%.2f", s.Load1))),
		state.Set("system.uptime", state.Duration(s.Uptime.Truncate(time.Minute))),
	}
	if s.HasSwap {
		msgs = append(msgs, state.Set("system.swap", state.ClampPercent(s.Swap)))
	} else {
		msgs = append(msgs, state.Delete("system.swap"))
	}
	return msgs
}

// DiskKey is the key for a mount point: "/" becomes system.disk.root.
func DiskKey(mount string) string {
	name := strings.Trim(mount, "/")
	if name == "" {
		name = "root"
	}
	return state.Join(Namespace, "disk", state.Sanitize(name))
}

// DiskMessages maps disk usage to messages, deleting keys present in prev
// but absent from usage.
func DiskMessages(usage []DiskUsage, prev map[string]bool) ([]state.Message, map[string]bool) {
	now := make(map[string]bool, len(usage))
	var msgs []state.Message
	for _, d := range usage {
		key := DiskKey(d.Path)
		now[key] = true
		msgs = append(msgs, state.Set(key, state.ClampPercent(d.UsedPercent)))
	}
	for key := range prev {
		if !now[key] {
			msgs = append(msgs, state.Delete(key))
		}
	}
	return msgs, now
}

// --- gopsutil sampler ---

var errAllFailed = errors.New("all sub-samplers failed")

type gopsutilSampler struct{}

// Sample returns as much as it could read. The error aggregates partial
// failures and wraps errAllFailed when nothing could be read.
func (gopsutilSampler) Sample(ctx context.Context) (Sample, error) {
	var (
		s    Sample
		errs []string
	)

	if total, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Sprintf("cpu: %v", err))
	} else if len(total) > 0 {
		s.CPU = total[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("memory: %v", err))
	} else {
		s.Memory = vm.UsedPercent
	}

	// Swap might not be configured.
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil && sw.Total > 0 {
		s.Swap = sw.UsedPercent
		s.HasSwap = true
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("load: %v", err))
	} else {
		s.Load1 = avg.Load1
	}

	if secs, err := host.UptimeWithContext(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("uptime: %v", err))
	} else {
		s.Uptime = time.Duration(secs) * time.Second
	}

	switch len(errs) {
	case 0:
		return s, nil
	case 4:
		return s, fmt.Errorf("%w: %s", errAllFailed, strings.Join(errs, "; "))
	}
	return s, fmt.Errorf("partial errors: %s", strings.Join(errs, "; "))
}

func (gopsutilSampler) Disks(ctx context.Context, mounts []string) ([]DiskUsage, error) {
	var (
		out  []DiskUsage
		errs []string
	)
	for _, mp := range mounts {
		usage, err := disk.UsageWithContext(ctx, mp)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", mp, err))
			continue
		}
		out = append(out, DiskUsage{Path: mp, UsedPercent: usage.UsedPercent})
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("disk: %s", strings.Join(errs, "; "))
	}
	return out, nil
}
