package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/hub"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

type transition struct {
	adapter  string
	from, to adapters.State
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []transition
	restarts    int
	violations  int
}

func (o *recordingObserver) Transition(adapter string, from, to adapters.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, transition{adapter, from, to})
}

func (o *recordingObserver) Restart(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarts++
}

func (o *recordingObserver) Violation(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.violations++
}

func (o *recordingObserver) saw(from, to adapters.State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, tr := range o.transitions {
		if tr.from == from && tr.to == to {
			return true
		}
	}
	return false
}

func (o *recordingObserver) count(from, to adapters.State) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, tr := range o.transitions {
		if tr.from == from && tr.to == to {
			n++
		}
	}
	return n
}

func (o *recordingObserver) all() []transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]transition(nil), o.transitions...)
}

func fastConfig() Config {
	return Config{
		ConnectTimeout:   time.Second,
		LivenessTimeout:  time.Minute,
		FailAfter:        time.Minute,
		BackoffInitial:   5 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		NamespaceBackoff: 30 * time.Millisecond,
		StopTimeout:      500 * time.Millisecond,
	}
}

type fixture struct {
	hub *hub.Hub
	reg *adapters.Registry
	obs *recordingObserver
	sup *Supervisor
}

func start(t *testing.T, cfg Config, as ...*adapters.MockAdapter) *fixture {
	t.Helper()
	f := &fixture{
		hub: hub.New(),
		reg: adapters.NewRegistry(),
		obs: &recordingObserver{},
	}
	for _, a := range as {
		if err := f.hub.Claim(a.Name(), a.Namespaces()...); err != nil {
			t.Fatalf("Claim(%s): %v", a.Name(), err)
		}
		if err := f.reg.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.Name(), err)
		}
	}
	f.sup = New(cfg, f.hub, f.reg, WithObserver(f.obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
		f.hub.Close()
	})
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) state(name string) adapters.State {
	st, _ := f.hub.AdapterState(name)
	return st
}

func assertLegal(t *testing.T, trs []transition) {
	t.Helper()
	for _, tr := range trs {
		if !adapters.CanTransition(tr.from, tr.to) {
			t.Errorf("illegal transition %s: %s -> %s", tr.adapter, tr.from, tr.to)
		}
	}
}

// --- Lifecycle Tests ---

func TestReadyGoesLive(t *testing.T) {
	a := adapters.NewMockAdapter("power", []string{"battery"},
		adapters.WithMessages(state.Set("battery.percent", state.Percent(80))))
	f := start(t, fastConfig(), a)

	eventually(t, "live", func() bool { return f.state("power") == adapters.Live })
	e, ok := f.hub.Get("battery.percent")
	if !ok || !state.Equal(e.Value, state.Percent(80)) {
		t.Errorf("battery.percent = %+v, %v", e, ok)
	}
	if e.Stale {
		t.Error("live adapter keys should not be stale")
	}
	assertLegal(t, f.obs.all())
}

func TestRunErrorReconnectsWithBackoff(t *testing.T) {
	a := adapters.NewMockAdapter("network", nil, adapters.WithRunError(errors.New("bus gone")))
	f := start(t, fastConfig(), a)

	eventually(t, "three sessions", func() bool { return a.RunCount() >= 3 })
	eventually(t, "restart accounting", func() bool { return f.obs.count(adapters.Failed, adapters.Connecting) >= 2 })
	if !f.obs.saw(adapters.Connecting, adapters.Failed) {
		t.Error("expected Connecting -> Failed")
	}
	if f.obs.saw(adapters.Connecting, adapters.Live) {
		t.Error("adapter never called Ready and must not go Live")
	}
	h, _ := f.reg.Handle("network")
	if h.Status().Sessions < 2 {
		t.Errorf("Sessions = %d, want >= 2", h.Status().Sessions)
	}
	assertLegal(t, f.obs.all())
}

func TestConnectTimeout(t *testing.T) {
	a := adapters.NewMockAdapter("tray", nil, adapters.WithRunFunc(func(ctx context.Context, _ adapters.Sink) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	cfg := fastConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	cfg.BackoffInitial = time.Minute
	cfg.BackoffMax = time.Minute
	f := start(t, cfg, a)

	eventually(t, "failed", func() bool { return f.state("tray") == adapters.Failed })
	st, _ := f.reg.Status("tray")
	if st.LastError != ErrConnectTimeout.Error() {
		t.Errorf("LastError = %q, want %q", st.LastError, ErrConnectTimeout)
	}
}

func TestLivenessDegradedThenRecovers(t *testing.T) {
	wake := make(chan struct{})
	a := adapters.NewMockAdapter("audio", nil, adapters.WithRunFunc(func(ctx context.Context, sink adapters.Sink) error {
		sink.Emit(state.Set("audio.sink.volume", state.Percent(40)))
		sink.Ready()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		sink.Beat()
		<-ctx.Done()
		return ctx.Err()
	}))
	cfg := fastConfig()
	cfg.LivenessTimeout = 30 * time.Millisecond
	f := start(t, cfg, a)

	eventually(t, "degraded", func() bool { return f.state("audio") == adapters.Degraded })
	if e, _ := f.hub.Get("audio.sink.volume"); !e.Stale {
		t.Error("keys should be stale while Degraded")
	}

	close(wake)
	eventually(t, "live again", func() bool { return f.obs.saw(adapters.Degraded, adapters.Live) })
	if e, _ := f.hub.Get("audio.sink.volume"); e.Stale {
		t.Error("keys should not be stale after recovery")
	}
	if a.RunCount() != 1 {
		t.Errorf("RunCount = %d, recovery should not reconnect", a.RunCount())
	}
	assertLegal(t, f.obs.all())
}

func TestLivenessFailsAfterSilence(t *testing.T) {
	a := adapters.NewMockAdapter("clock", nil, adapters.WithRunFunc(func(ctx context.Context, sink adapters.Sink) error {
		sink.Ready()
		<-ctx.Done()
		return ctx.Err()
	}))
	cfg := fastConfig()
	cfg.LivenessTimeout = 20 * time.Millisecond
	cfg.FailAfter = 40 * time.Millisecond
	f := start(t, cfg, a)

	eventually(t, "failed", func() bool { return f.obs.saw(adapters.Degraded, adapters.Failed) })
	eventually(t, "reconnect", func() bool { return a.RunCount() >= 2 })
	assertLegal(t, f.obs.all())
}

// --- Violation Tests ---

func TestNamespaceViolationRestartsTask(t *testing.T) {
	rogue := adapters.NewMockAdapter("rogue", nil,
		adapters.WithMessages(state.Set("battery.percent", state.Percent(1))))
	power := adapters.NewMockAdapter("power", []string{"battery"},
		adapters.WithMessages(state.Set("battery.percent", state.Percent(77))))
	began := time.Now()
	f := start(t, fastConfig(), rogue, power)

	eventually(t, "power live", func() bool { return f.state("power") == adapters.Live })
	eventually(t, "rogue restarted", func() bool {
		return rogue.RunCount() >= 2 && f.obs.saw(adapters.Failed, adapters.Connecting)
	})
	if elapsed := time.Since(began); elapsed < fastConfig().NamespaceBackoff {
		t.Errorf("restarted after %v, want at least %v", elapsed, fastConfig().NamespaceBackoff)
	}
	if e, _ := f.hub.Get("battery.percent"); !state.Equal(e.Value, state.Percent(77)) {
		t.Errorf("battery.percent = %v, want 77", e.Value)
	}
	if e, _ := f.hub.Get("battery.percent"); e.Owner != "power" {
		t.Errorf("battery.percent owner = %q, want power", e.Owner)
	}
	f.obs.mu.Lock()
	restarts, violations := f.obs.restarts, f.obs.violations
	f.obs.mu.Unlock()
	if restarts == 0 || violations == 0 {
		t.Errorf("restarts = %d, violations = %d, want both counted", restarts, violations)
	}
	assertLegal(t, f.obs.all())
}

func TestViolationBudgetDropsConnection(t *testing.T) {
	var sessions atomic.Int32
	a := adapters.NewMockAdapter("notifications", nil, adapters.WithRunFunc(func(ctx context.Context, sink adapters.Sink) error {
		sink.Ready()
		if sessions.Add(1) == 1 {
			for i := 0; i < 20; i++ {
				sink.Violation(adapters.Violation("garbage %d", i))
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	cfg := fastConfig()
	cfg.ViolationBurst = 3
	cfg.ViolationRate = 0.001
	f := start(t, cfg, a)

	eventually(t, "reconnect", func() bool { return a.RunCount() >= 2 })
	eventually(t, "live again", func() bool {
		return f.obs.count(adapters.Connecting, adapters.Live) >= 2
	})
	st, _ := f.reg.Status("notifications")
	if st.Violations < 4 {
		t.Errorf("Violations = %d, want >= 4", st.Violations)
	}
	assertLegal(t, f.obs.all())
}

func TestMalformedMessageIsContained(t *testing.T) {
	a := adapters.NewMockAdapter("session", nil, adapters.WithMessages(
		state.Message{Key: "session..bad", Value: state.Bool(true)},
		state.Set("session.locked", state.Bool(false)),
	))
	f := start(t, fastConfig(), a)

	eventually(t, "live", func() bool { return f.state("session") == adapters.Live })
	if _, ok := f.hub.Get("session.locked"); !ok {
		t.Error("valid message after a malformed one should be applied")
	}
	st, _ := f.reg.Status("session")
	if st.Violations != 1 {
		t.Errorf("Violations = %d, want 1", st.Violations)
	}
}

// --- Reconnect Tests ---

func TestSweepOnReconnect(t *testing.T) {
	var sessions atomic.Int32
	a := adapters.NewMockAdapter("bluetooth", nil, adapters.WithRunFunc(func(ctx context.Context, sink adapters.Sink) error {
		n := sessions.Add(1)
		sink.Emit(state.Set("bluetooth.powered", state.Bool(true)))
		if n == 1 {
			sink.Emit(state.Set("bluetooth.device.AA", state.Device{Address: "AA", Connected: true}))
			sink.Ready()
			time.Sleep(20 * time.Millisecond)
			return errors.New("bluez restarted")
		}
		sink.Ready()
		<-ctx.Done()
		return ctx.Err()
	}))
	f := start(t, fastConfig(), a)

	eventually(t, "second session live", func() bool {
		return sessions.Load() >= 2 && f.state("bluetooth") == adapters.Live
	})
	if _, ok := f.hub.Get("bluetooth.device.AA"); ok {
		t.Error("device not reported after reconnect should be removed")
	}
	if e, ok := f.hub.Get("bluetooth.powered"); !ok || e.Stale {
		t.Errorf("bluetooth.powered = %+v, %v; want live value", e, ok)
	}
	assertLegal(t, f.obs.all())
}

func TestOnTransitionHook(t *testing.T) {
	a := adapters.NewMockAdapter("workspaces", []string{"workspace"})
	f := &fixture{hub: hub.New(), reg: adapters.NewRegistry()}
	f.hub.Claim("workspaces", "workspace")
	f.reg.Register(a)
	sup := New(fastConfig(), f.hub, f.reg)

	got := make(chan adapters.State, 8)
	sup.OnTransition(func(name string, _, to adapters.State) {
		if name == "workspaces" {
			got <- to
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	select {
	case st := <-got:
		if st != adapters.Live {
			t.Errorf("first transition to %s, want live", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}
}

// --- Config Tests ---

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	d := DefaultConfig()
	if c != d {
		t.Errorf("withDefaults = %+v, want %+v", c, d)
	}

	c = Config{BackoffMultiplier: 0.5, BackoffJitter: 2}.withDefaults()
	if c.BackoffMultiplier != d.BackoffMultiplier || c.BackoffJitter != d.BackoffJitter {
		t.Errorf("invalid backoff parameters not replaced: %+v", c)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	s := New(Config{BackoffInitial: 100 * time.Millisecond, BackoffMax: 400 * time.Millisecond, BackoffJitter: 0.0001}, hub.New(), adapters.NewRegistry())
	b := s.newBackoff()
	var last time.Duration
	for i := 0; i < 6; i++ {
		d := b.NextBackOff()
		if d > 401*time.Millisecond {
			t.Fatalf("backoff %d = %v, exceeds max", i, d)
		}
		if d+time.Millisecond < last {
			t.Fatalf("backoff shrank: %v after %v", d, last)
		}
		last = d
	}
	if last < 399*time.Millisecond {
		t.Errorf("backoff = %v, want capped at max", last)
	}
	b.Reset()
	if d := b.NextBackOff(); d > 101*time.Millisecond {
		t.Errorf("after Reset = %v, want initial", d)
	}
}
