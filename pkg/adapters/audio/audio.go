// Package audio reads and controls the default PipeWire sink and source
// through wpctl, refreshing on "pactl subscribe" events and falling back to
// polling when pactl is unavailable.
package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

const Name = "audio"

// Device selects the default sink or source.
type Device string

const (
	Sink   Device = "sink"
	Source Device = "source"
)

func (d Device) target() string {
	if d == Source {
		return "@DEFAULT_AUDIO_SOURCE@"
	}
	return "@DEFAULT_AUDIO_SINK@"
}

// ParseDevice accepts "sink", "source", "speaker" and "mic".
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(s) {
	case "", "sink", "speaker", "output":
		return Sink, nil
	case "source", "mic", "input":
		return Source, nil
	}
	return "", fmt.Errorf("unknown device %q", s)
}

// Config controls refresh behaviour.
type Config struct {
	// PollInterval is the refresh period without pactl and the liveness
	// beat period with it (default 5s).
	PollInterval time.Duration

	// Subscribe enables "pactl subscribe" (default true).
	Subscribe bool
}

func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, Subscribe: true}
}

// Runner runs external commands.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %s", name, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Stream starts name and returns its stdout. The process is killed when ctx
// ends or the reader is closed; Close reaps it.
func (ExecRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdStream{ReadCloser: out, cmd: cmd}, nil
}

// cmdStream waits for its process only once reading is over.
type cmdStream struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (s *cmdStream) Close() error {
	s.once.Do(func() {
		s.err = s.ReadCloser.Close()
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	})
	return s.err
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithRunner(r Runner) Option { return func(a *Adapter) { a.run = r } }

func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

type Adapter struct {
	cfg    Config
	run    Runner
	logger *slog.Logger
}

func New(cfg Config, opts ...Option) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	a := &Adapter{cfg: cfg, run: ExecRunner{}, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("adapter", Name)
	return a
}

func (a *Adapter) Name() string         { return Name }
func (a *Adapter) Namespaces() []string { return []string{Name} }

func (a *Adapter) Run(ctx context.Context, sink adapters.Sink) error {
	// The sink must answer; without it there is nothing to show.
	if err := a.refresh(ctx, sink, Sink); err != nil {
		return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
	}
	a.refreshSource(ctx, sink)
	sink.Ready()

	var events <-chan string
	if a.cfg.Subscribe {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		r, err := a.run.Stream(streamCtx, "pactl", "subscribe")
		if err != nil {
			a.logger.Info("pactl subscribe unavailable, polling", "error", err)
		} else {
			events = lines(streamCtx, r)
		}
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: pactl subscribe exited", adapters.ErrConnectionLost)
			}
			ev, err := ParseEvent(line)
			if err != nil {
				sink.Violation(err)
				continue
			}
			switch ev.Facility {
			case "sink", "server":
				if err := a.refresh(ctx, sink, Sink); err != nil {
					a.logger.Debug("sink refresh failed", "error", err)
				}
				if ev.Facility == "server" {
					a.refreshSource(ctx, sink)
				}
			case "source":
				a.refreshSource(ctx, sink)
			}

		case <-ticker.C:
			if events == nil {
				if err := a.refresh(ctx, sink, Sink); err != nil {
					return fmt.Errorf("%w: %v", adapters.ErrConnectionLost, err)
				}
				a.refreshSource(ctx, sink)
			}
			sink.Beat()
		}
	}
}

// lines reads r until EOF or ctx ends, then closes it.
func lines(ctx context.Context, r io.ReadCloser) <-chan string {
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer r.Close()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (a *Adapter) refresh(ctx context.Context, sink adapters.Sink, d Device) error {
	out, err := a.run.Output(ctx, "wpctl", "get-volume", d.target())
	if err != nil {
		return err
	}
	vol, muted, err := ParseVolume(string(out))
	if err != nil {
		sink.Violation(err)
		return nil
	}
	for _, m := range Messages(d, vol, muted) {
		if err := sink.Emit(m); err != nil {
			return err
		}
	}
	return nil
}

// refreshSource removes the source keys when there is no default source.
func (a *Adapter) refreshSource(ctx context.Context, sink adapters.Sink) {
	if err := a.refresh(ctx, sink, Source); err != nil {
		_ = sink.Emit(state.Delete("audio.source.volume"))
		_ = sink.Emit(state.Delete("audio.source.muted"))
	}
}

// Messages maps one device reading.
func Messages(d Device, vol float64, muted bool) []state.Message {
	return []state.Message{
		state.Set(state.Join(Name, string(d), "volume"), state.ClampPercent(vol)),
		state.Set(state.Join(Name, string(d), "muted"), state.Bool(muted)),
	}
}

// ParseVolume parses "Volume: 0.45" and "Volume: 0.45 [MUTED]" into a
// percentage and mute flag.
func ParseVolume(out string) (float64, bool, error) {
	out = strings.TrimSpace(out)
	rest, ok := strings.CutPrefix(out, "Volume:")
	if !ok {
		return 0, false, adapters.Violation("wpctl output %q", out)
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false, adapters.Violation("wpctl output %q", out)
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false, adapters.Violation("wpctl volume %q", fields[0])
	}
	muted := strings.Contains(rest, "[MUTED]")
	return f * 100, muted, nil
}

// Event is one "pactl subscribe" line.
type Event struct {
	Type     string
	Facility string
	Index    int
}

// ParseEvent parses "Event 'change' on sink #56".
func ParseEvent(line string) (Event, error) {
	f := strings.Fields(line)
	if len(f) < 4 || f[0] != "Event" || f[2] != "on" {
		return Event{}, adapters.Violation("pactl event %q", line)
	}
	ev := Event{Type: strings.Trim(f[1], "'"), Facility: f[3]}
	if len(f) > 4 {
		if n, err := strconv.Atoi(strings.TrimPrefix(f[4], "#")); err == nil {
			ev.Index = n
		}
	}
	return ev, nil
}

var errBadPercent = errors.New("percent must be between 0 and 150")

// Execute supports set-volume {device, percent} and toggle-mute {device}.
func (a *Adapter) Execute(ctx context.Context, cmd adapters.Command) error {
	d, err := ParseDevice(cmd.Param("device", "sink"))
	if err != nil {
		return adapters.Reject(Name, err)
	}
	var args []string
	switch cmd.Action {
	case "set-volume":
		p, err := strconv.ParseFloat(strings.TrimSuffix(cmd.Param("percent", ""), "%"), 64)
		if err != nil {
			return adapters.Reject(Name, fmt.Errorf("percent: %w", err))
		}
		if p < 0 || p > 150 {
			return adapters.Reject(Name, errBadPercent)
		}
		args = []string{"set-volume", d.target(), strconv.FormatFloat(p/100, 'f', 2, 64)}
	case "toggle-mute":
		args = []string{"set-mute", d.target(), "toggle"}
	default:
		return adapters.Unsupported(Name, cmd.Action)
	}
	if _, err := a.run.Output(ctx, "wpctl", args...); err != nil {
		return adapters.Reject(Name, err)
	}
	return nil
}
