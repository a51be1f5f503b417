package statusbar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/command"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Supervisor.BackoffInitial = time.Minute
	cfg.Supervisor.BackoffMax = time.Minute
	return cfg
}

func runBar(t *testing.T, b *Bar) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not return")
		}
	})
}

func waitState(t *testing.T, b *Bar, name string, want adapters.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.State(name) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s state = %s, want %s", name, b.State(name), want)
}

// --- Scenario Tests ---

func TestNetworkEventsInOrder(t *testing.T) {
	nm := adapters.NewMockAdapter("network", nil)
	b := New(testConfig())
	if err := b.Register(nm); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub, initial, err := b.Subscribe("bar", "network.")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(initial) != 0 {
		t.Errorf("initial snapshot = %v, want empty", initial)
	}
	runBar(t, b)
	waitState(t, b, "network", adapters.Live)

	steps := []state.Connection{
		{State: "connected", Type: "wifi", SSID: "home", Signal: 80},
		{State: "connected", Type: "wifi", SSID: "home", Signal: 82},
		{State: "disconnected"},
	}
	for _, c := range steps {
		nm.Push(state.Set("network.connection", c))
	}

	for i, want := range steps {
		select {
		case d, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed")
			}
			if d.Resync {
				t.Fatalf("event %d: unexpected resync", i)
			}
			if d.Event.Key != "network.connection" || !state.Equal(d.Event.New, want) {
				t.Errorf("event %d = %s %v, want %v", i, d.Event.Key, d.Event.New, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	select {
	case d := <-sub.C():
		t.Errorf("unexpected extra delivery %+v", d)
	case <-time.After(50 * time.Millisecond):
	}

	e, ok := b.Get("network.connection")
	if !ok || e.Value.(state.Connection).State != "disconnected" {
		t.Errorf("final network.connection = %+v", e.Value)
	}
}

func TestSilentAdapterFlagsPrefixSubscriber(t *testing.T) {
	power := adapters.NewMockAdapter("power", []string{"battery"},
		adapters.WithMessages(state.Set("battery.percent", state.Percent(70))))
	cfg := testConfig()
	cfg.Supervisor.LivenessTimeout = 30 * time.Millisecond
	cfg.Supervisor.FailAfter = time.Minute
	b := New(cfg)
	if err := b.Register(power); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub, _, err := b.Subscribe("battery-widget", "battery.")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	runBar(t, b)

	// waitNotice skips value events until a stale notice with the wanted
	// flag arrives.
	waitNotice := func(stale bool) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case d, ok := <-sub.C():
				if !ok {
					t.Fatal("subscription closed")
				}
				if d.Notice == nil || d.Notice.Stale != stale {
					continue
				}
				if d.Notice.Owner != "power" || !d.Notice.Covers("battery.percent") {
					t.Errorf("notice = %+v", d.Notice)
				}
				return
			case <-timeout:
				t.Fatalf("no stale=%v notice delivered", stale)
			}
		}
	}

	waitNotice(true)
	if e, _ := b.Get("battery.percent"); !e.Stale || !state.Equal(e.Value, state.Percent(70)) {
		t.Errorf("battery.percent = %+v, want stale 70", e)
	}

	power.Push(state.Set("battery.percent", state.Percent(69)))
	waitNotice(false)
}

func TestCommandToFailedAdapter(t *testing.T) {
	bt := adapters.NewMockAdapter("bluetooth", nil, adapters.WithRunError(errors.New("no adapter")))
	b := New(testConfig())
	if err := b.Register(bt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runBar(t, b)
	waitState(t, b, "bluetooth", adapters.Failed)

	p := b.Submit(adapters.Command{Target: "bluetooth", Action: "set-power", Params: map[string]string{"on": "true"}})
	select {
	case <-p.Done():
	default:
		t.Fatal("command to a failed adapter should resolve immediately")
	}
	if o := p.Outcome(); o.Status != command.Rejected || !errors.Is(o.Err, command.ErrAdapterUnavailable) {
		t.Errorf("outcome = %+v, want Rejected(AdapterUnavailable)", o)
	}
	if bt.ExecuteCount() != 0 {
		t.Errorf("ExecuteCount = %d, want 0", bt.ExecuteCount())
	}
}

func TestTimeoutThenLateState(t *testing.T) {
	var audio *adapters.MockAdapter
	audio = adapters.NewMockAdapter("audio", nil, adapters.WithExecuteFunc(func(context.Context, adapters.Command) error {
		time.Sleep(60 * time.Millisecond)
		audio.Push(state.Set("audio.sink.volume", state.Percent(50)))
		return nil
	}))
	b := New(testConfig())
	if err := b.Register(audio); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runBar(t, b)
	waitState(t, b, "audio", adapters.Live)

	p := b.Submit(adapters.Command{
		Target:  "audio.sink.volume",
		Action:  "set-volume",
		Params:  map[string]string{"device": "sink", "percent": "50"},
		Timeout: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !errors.Is(o.Err, command.ErrTimeout) {
		t.Fatalf("outcome = %+v, want Rejected(Timeout)", o)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := b.Get("audio.sink.volume"); ok && state.Equal(e.Value, state.Percent(50)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("late state never reached the tree")
}

func TestConcurrentAdaptersDistinctPrefixes(t *testing.T) {
	power := adapters.NewMockAdapter("power", []string{"battery"})
	clock := adapters.NewMockAdapter("clock", nil)
	b := New(testConfig())
	for _, a := range []adapters.Adapter{power, clock} {
		if err := b.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	runBar(t, b)
	waitState(t, b, "power", adapters.Live)
	waitState(t, b, "clock", adapters.Live)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		power.Push(state.Set("battery.percent", state.Percent(64)))
	}()
	go func() {
		defer wg.Done()
		clock.Push(state.Set("clock.time", state.Text("12:00")))
	}()
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, okB := b.Get("battery.percent")
		_, okC := b.Get("clock.time")
		if okB && okC {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Error("tree is missing one of the concurrent updates")
}

// --- Directory Tests ---

func TestResolve(t *testing.T) {
	b := New(testConfig())
	ws := adapters.NewMockAdapter("workspaces", []string{"workspace"})
	if err := b.Register(ws); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		target string
		want   string
		ok     bool
	}{
		{"workspaces", "workspaces", true},
		{"workspace.3", "workspaces", true},
		{"workspace", "workspaces", true},
		{"tray.nm-applet", "", false},
	}
	for _, tt := range tests {
		a, ok := b.Resolve(tt.target)
		if ok != tt.ok {
			t.Errorf("Resolve(%q) ok = %v, want %v", tt.target, ok, tt.ok)
			continue
		}
		if ok && a.Name() != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.target, a.Name(), tt.want)
		}
	}
	if st := b.State("missing"); st != adapters.Failed {
		t.Errorf("State(missing) = %s, want failed", st)
	}
}

func TestRegisterConflicts(t *testing.T) {
	b := New(testConfig())
	if err := b.Register(adapters.NewMockAdapter("power", []string{"battery"})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := b.Register(adapters.NewMockAdapter("upower", []string{"battery"})); err == nil {
		t.Error("overlapping namespace should be refused")
	}
	if err := b.Register(adapters.NewMockAdapter("bad", []string{"adapter"})); err == nil {
		t.Error("reserved namespace should be refused")
	}
	for _, st := range b.Adapters() {
		if st.Name != "power" {
			t.Errorf("refused adapter %q stayed registered", st.Name)
		}
	}

	// A duplicate name must not leave its namespaces claimed.
	if err := b.Register(adapters.NewMockAdapter("power", []string{"profile"})); err == nil {
		t.Error("duplicate name should be refused")
	}
	if _, ok := b.hub.Owner("profile.active"); ok {
		t.Error("refused adapter claimed its namespace")
	}
}

func TestWorkspaceList(t *testing.T) {
	ws := adapters.NewMockAdapter("workspaces", []string{"workspace"}, adapters.WithMessages(
		state.Set("workspace.2", state.Workspace{ID: 2, Name: "2"}),
		state.Set("workspace.1", state.Workspace{ID: 1, Name: "1", Active: true}),
		state.Set("workspace.special_scratch", state.Workspace{ID: -98, Name: "special:scratch", Special: true}),
		state.Set("workspace.active", state.Int(1)),
	))
	b := New(testConfig())
	if err := b.Register(ws); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runBar(t, b)
	waitState(t, b, "workspaces", adapters.Live)

	got := b.Workspaces()
	if len(got) != 3 {
		t.Fatalf("Workspaces = %v, want 3 entries", got)
	}
	if got[0].ID != 1 || got[1].ID != 2 || !got[2].Special {
		t.Errorf("order = %v", got)
	}
	if len(b.Adapters()) != 1 || b.Adapters()[0].StateName != "live" {
		t.Errorf("Adapters = %+v", b.Adapters())
	}
}
