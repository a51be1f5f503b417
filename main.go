// twig is the status hub of a Wayland status bar.
//
// It supervises one adapter per system service (power, network, audio,
// Hyprland workspaces and more), merges their updates into a single state
// tree, and serves that tree to bar widgets over a unix socket.
//
// Usage:
//
//	twig [flags]
//
// Flags:
//
//	-config string    Path to configuration file (default: $XDG_CONFIG_HOME/eucalyptus-twig/eucalyptus-twig.toml)
//	-socket string    IPC socket path override
//	-snapshot string  Print the state under a key prefix and exit ("." for everything)
//	-format string    Snapshot output format (json|yaml)
//	-submit string    Send a command "target action key=value..." and wait for its outcome
//	-monitor string   Watch the state tree under a key prefix in the terminal
//	-verbose          Enable verbose logging
//	-version          Print version and exit
//
// Without a client flag twig runs the daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/eucalyptus-twig/twig/pkg/config"
	"github.com/eucalyptus-twig/twig/pkg/daemon"
	"github.com/eucalyptus-twig/twig/pkg/metrics"
	"github.com/eucalyptus-twig/twig/pkg/monitor"
	"github.com/eucalyptus-twig/twig/pkg/statusbar"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// clientTimeout bounds one-shot client requests.
const clientTimeout = 10 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		socketPath  = flag.String("socket", "", "IPC socket path (overrides general.socket)")
		snapshot    = flag.String("snapshot", "", "Print the state under a key prefix and exit (\".\" for everything)")
		format      = flag.String("format", "json", "Snapshot output format (json|yaml)")
		submit      = flag.String("submit", "", "Send a command \"target action key=value...\" and wait for its outcome")
		watch       = flag.String("monitor", "", "Watch the state under a key prefix in the terminal (\".\" for everything)")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("twig %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, usedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.General.Socket = *socketPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := daemon.NewIPCClient(cfg.General.Socket)
	switch {
	case *snapshot != "":
		err = runSnapshot(ctx, client, *snapshot, *format, os.Stdout)
	case *submit != "":
		err = runSubmit(ctx, client, *submit, os.Stdout)
	case *watch != "":
		err = monitor.Run(ctx, client, prefixArgs(*watch)...)
	default:
		err = runDaemon(ctx, cfg, usedPath, *verbose)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFromFile(path)
	return cfg, path, err
}

// prefixArgs maps the "." shorthand to an unfiltered request.
func prefixArgs(prefix string) []string {
	if prefix == "." || prefix == "" {
		return nil
	}
	return []string{prefix}
}

// runSnapshot prints the entries under prefix.
func runSnapshot(ctx context.Context, c *daemon.IPCClient, prefix, format string, w io.Writer) error {
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unknown format %q (supported: json, yaml)", format)
	}
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	if prefix == "." {
		prefix = ""
	}
	reply, err := c.Snapshot(ctx, prefix)
	if err != nil {
		return err
	}
	return writeSnapshot(w, reply, format)
}

func writeSnapshot(w io.Writer, reply daemon.SnapshotReply, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}

	// Values marshal as tagged JSON; round through a generic tree so YAML
	// gets the same shape.
	raw, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return err
	}
	return enc.Close()
}

// runSubmit sends one command. A rejected command is an error.
func runSubmit(ctx context.Context, c *daemon.IPCClient, line string, w io.Writer) error {
	cmd, err := daemon.ParseSubmit(strings.Fields(line))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	reply, err := c.Submit(ctx, cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s: %s\n", reply.CorrelationID, reply.Adapter, reply.Status)
	if reply.Status != "applied" {
		return fmt.Errorf("command rejected: %s", reply.Error)
	}
	return nil
}

// setupLogging writes to stderr and, when configured, to the log file.
func setupLogging(cfg *config.Config, verbose bool) (*slog.Logger, *slog.LevelVar, func(), error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.General.LogLevel))
	if verbose {
		level.Set(slog.LevelDebug)
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeLog = func() { f.Close() }
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, level, closeLog, nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// runDaemon runs the hub, the IPC server and the optional metrics endpoint
// until ctx is cancelled or a client sends QUIT.
func runDaemon(ctx context.Context, cfg *config.Config, cfgPath string, verbose bool) error {
	logger, level, closeLog, err := setupLogging(cfg, verbose)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := daemon.AcquirePID(cfg.General.PIDFile); err != nil {
		return err
	}
	defer daemon.ReleasePID(cfg.General.PIDFile)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	bar := statusbar.New(cfg.Bar(), statusbar.WithLogger(logger), statusbar.WithObserver(m))
	as, err := buildAdapters(cfg.Adapters, logger)
	if err != nil {
		return err
	}
	for _, a := range as {
		if err := bar.Register(a); err != nil {
			return err
		}
	}

	health := daemon.NewHealthWriter(cfg.General.HealthFile, bar, logger)
	bar.OnTransition(health.OnTransition)
	health.Write()
	defer health.Remove()

	ipc := daemon.NewIPCServer(cfg.General.Socket, bar,
		daemon.WithQuit(cancel),
		daemon.WithIPCLogger(logger),
	)
	if err := ipc.Start(); err != nil {
		return err
	}
	defer ipc.Stop()

	logger.Info("twig started",
		"version", version,
		"config", cfgPath,
		"preset", cfg.General.Preset,
		"socket", cfg.General.Socket,
		"adapters", len(as),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bar.Run(gctx) })
	if addr := cfg.General.MetricsListen; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr, m, logger) })
	}
	if cfg.General.WatchConfig && cfgPath != "" {
		g.Go(func() error { return watchConfig(gctx, cfgPath, level, verbose, logger) })
	}

	err = g.Wait()
	logger.Info("twig stopped")
	return err
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchConfig reloads the config file when it changes. The log level takes
// effect immediately; other settings are validated and reported but need a
// restart.
func watchConfig(ctx context.Context, path string, level *slog.LevelVar, verbose bool, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
		return nil
	}
	defer w.Close()

	// Editors replace files on save, so the directory is watched.
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("config watch unavailable", "path", path, "error", err)
		return nil
	}
	logger = logger.With("component", "config")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := config.LoadFromFile(path)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
				continue
			}
			if !verbose {
				level.Set(parseLevel(cfg.General.LogLevel))
			}
			logger.Info("config reloaded; adapter and socket changes apply after restart", "log_level", cfg.General.LogLevel)
		}
	}
}
