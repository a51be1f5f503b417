package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
	"github.com/eucalyptus-twig/twig/pkg/statusbar"
)

// startBar runs a status bar with the given adapters until the test ends
// and waits for all of them to become live.
func startBar(t *testing.T, as ...adapters.Adapter) *statusbar.Bar {
	t.Helper()
	return startBarWith(t, statusbar.DefaultConfig(), as...)
}

func startBarWith(t *testing.T, cfg statusbar.Config, as ...adapters.Adapter) *statusbar.Bar {
	t.Helper()
	b := statusbar.New(cfg)
	for _, a := range as {
		if err := b.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for _, a := range as {
		for b.State(a.Name()) != adapters.Live {
			if time.Now().After(deadline) {
				t.Fatalf("%s never became live", a.Name())
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
	return b
}

func startServer(t *testing.T, b Backend, opts ...IPCOption) *IPCClient {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twig.sock")
	s := NewIPCServer(path, b, opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return NewIPCClient(path)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- Protocol Tests ---

func TestParseSubmit(t *testing.T) {
	cmd, err := ParseSubmit([]string{"audio.sink.volume", "set-volume", "device=sink", "percent=40", "@timeout=2s"})
	if err != nil {
		t.Fatalf("ParseSubmit: %v", err)
	}
	if cmd.Target != "audio.sink.volume" || cmd.Action != "set-volume" {
		t.Errorf("cmd = %+v", cmd)
	}
	if cmd.Params["percent"] != "40" || cmd.Timeout != 2*time.Second {
		t.Errorf("params = %v timeout = %v", cmd.Params, cmd.Timeout)
	}
	if _, ok := cmd.Params[timeoutParam]; ok {
		t.Error("timeout must not leak into params")
	}
	if got := FormatSubmit(cmd); got != "SUBMIT audio.sink.volume set-volume device=sink percent=40 @timeout=2s" {
		t.Errorf("FormatSubmit = %q", got)
	}

	for _, bad := range [][]string{{"audio"}, {"audio", "set", "novalue"}, {"a", "b", "@timeout=soon"}} {
		if _, err := ParseSubmit(bad); err == nil {
			t.Errorf("ParseSubmit(%v) should fail", bad)
		}
	}
}

// --- IPC Tests ---

func TestIPCSnapshotAndSubmit(t *testing.T) {
	audio := adapters.NewMockAdapter("audio", nil, adapters.WithMessages(
		state.Set("audio.sink.volume", state.Percent(40)),
		state.Set("audio.sink.muted", state.Bool(false)),
	))
	c := startServer(t, startBar(t, audio))
	ctx := testCtx(t)

	snap, err := c.Snapshot(ctx, "audio.sink.volume")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Entries) != 1 || !state.Equal(snap.Entries[0].Value, state.Percent(40)) {
		t.Errorf("entries = %+v", snap.Entries)
	}
	if snap.Seq == 0 {
		t.Error("Seq = 0, want the hub sequence")
	}

	r, err := c.Submit(ctx, adapters.Command{Target: "audio", Action: "toggle-mute", Params: map[string]string{"device": "sink"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.Status != "applied" || r.CorrelationID == "" || r.Adapter != "audio" {
		t.Errorf("reply = %+v", r)
	}
	if got := audio.Commands(); len(got) != 1 || got[0].Params["device"] != "sink" {
		t.Errorf("commands = %+v", got)
	}

	r, err = c.Submit(ctx, adapters.Command{Target: "weather", Action: "refresh"})
	if err != nil {
		t.Fatalf("Submit unknown: %v", err)
	}
	if r.Status != "rejected" || !strings.Contains(r.Error, "unknown command target") {
		t.Errorf("reply = %+v", r)
	}
}

func TestIPCSubscribe(t *testing.T) {
	clock := adapters.NewMockAdapter("clock", nil, adapters.WithMessages(state.Set("clock.time", state.Text("09:00"))))
	c := startServer(t, startBar(t, clock))

	s, err := c.Subscribe(testCtx(t), "clock.")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()

	first, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Type != TypeSnapshot || len(first.Entries) != 1 {
		t.Fatalf("first = %+v", first)
	}

	clock.Push(state.Set("clock.time", state.Text("09:01")))
	msg, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Type != TypeEvent || msg.Event == nil || !state.Equal(msg.Event.New, state.Text("09:01")) {
		t.Errorf("event = %+v", msg)
	}
	if msg.Seq <= first.Seq {
		t.Errorf("event seq %d not after snapshot seq %d", msg.Seq, first.Seq)
	}
}

func TestIPCSubscribeStaleNotice(t *testing.T) {
	power := adapters.NewMockAdapter("power", []string{"battery"},
		adapters.WithMessages(state.Set("battery.percent", state.Percent(70))))
	cfg := statusbar.DefaultConfig()
	cfg.Supervisor.LivenessTimeout = 250 * time.Millisecond
	cfg.Supervisor.FailAfter = time.Minute
	c := startServer(t, startBarWith(t, cfg, power))

	s, err := c.Subscribe(testCtx(t), "battery.")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer s.Close()
	if first, err := s.Next(); err != nil || first.Type != TypeSnapshot {
		t.Fatalf("first = %+v, %v", first, err)
	}

	msg, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Type != TypeStale || msg.Stale == nil || !msg.Stale.Stale || msg.Stale.Owner != "power" {
		t.Fatalf("msg = %+v, want stale notice for power", msg)
	}
	if len(msg.Stale.Namespaces) != 1 || msg.Stale.Namespaces[0] != "battery" {
		t.Errorf("namespaces = %v", msg.Stale.Namespaces)
	}
}

func TestIPCHealthAndQuit(t *testing.T) {
	quit := make(chan struct{})
	c := startServer(t, startBar(t, adapters.NewMockAdapter("power", []string{"battery"})),
		WithQuit(func() { close(quit) }))
	ctx := testCtx(t)

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.PID != os.Getpid() || len(h.Adapters) != 1 || h.Adapters[0].StateName != "live" {
		t.Errorf("health = %+v", h)
	}

	if err := c.Quit(ctx); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	select {
	case <-quit:
	case <-time.After(2 * time.Second):
		t.Fatal("QUIT did not call the quit func")
	}
}

func TestIPCUnknownCommand(t *testing.T) {
	c := startServer(t, startBar(t))
	if _, err := c.SendCommand(testCtx(t), "FROB"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v, want unknown command", err)
	}
}

func TestIPCNoDaemon(t *testing.T) {
	c := NewIPCClient(filepath.Join(t.TempDir(), "none.sock"))
	if _, err := c.Health(testCtx(t)); err == nil {
		t.Error("Health without a daemon should fail")
	}
}

// --- Health File Tests ---

func TestHealthWriter(t *testing.T) {
	b := startBar(t, adapters.NewMockAdapter("clock", nil))
	path := filepath.Join(t.TempDir(), "run", "health.json")
	w := NewHealthWriter(path, b, nil)

	w.OnTransition("clock", adapters.Connecting, adapters.Live)
	h, err := ReadHealthFile(path)
	if err != nil {
		t.Fatalf("ReadHealthFile: %v", err)
	}
	if h.PID != os.Getpid() || len(h.Adapters) != 1 || h.Adapters[0].Name != "clock" {
		t.Errorf("health = %+v", h)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	w.Remove()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("health file not removed")
	}
}

// --- PID File Tests ---

func TestAcquirePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twig.pid")
	if err := AcquirePID(path); err != nil {
		t.Fatalf("AcquirePID: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("ReadPID = %d, %v", pid, err)
	}
	if err := AcquirePID(path); err != nil {
		t.Errorf("re-acquire by the same process: %v", err)
	}
	if err := ReleasePID(path); err != nil {
		t.Fatalf("ReleasePID: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("PID file not removed")
	}
}

func TestAcquirePIDStaleAndLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twig.pid")

	// PIDs above pid_max never exist.
	if err := os.WriteFile(path, []byte("2147483646"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePID(path); err != nil {
		t.Fatalf("stale PID file should be replaced: %v", err)
	}

	// PID 1 is always alive.
	if err := os.WriteFile(path, []byte(strconv.Itoa(1)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePID(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("AcquirePID = %v, want ErrAlreadyRunning", err)
	}
	if err := ReleasePID(path); err != nil {
		t.Fatalf("ReleasePID: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("ReleasePID removed another process's PID file")
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if IsProcessAlive(0) || IsProcessAlive(-4) {
		t.Error("non-positive PID reported alive")
	}
}
