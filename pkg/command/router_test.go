package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

type fakeDirectory struct {
	mu       sync.Mutex
	adapters map[string]adapters.Adapter
	states   map[string]adapters.State
}

func newFakeDirectory(as ...adapters.Adapter) *fakeDirectory {
	d := &fakeDirectory{
		adapters: make(map[string]adapters.Adapter),
		states:   make(map[string]adapters.State),
	}
	for _, a := range as {
		d.adapters[a.Name()] = a
		d.states[a.Name()] = adapters.Live
	}
	return d
}

func (d *fakeDirectory) Resolve(target string) (adapters.Adapter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.adapters[target]; ok {
		return a, true
	}
	ns := state.Namespace(target)
	for _, a := range d.adapters {
		for _, n := range a.Namespaces() {
			if n == ns {
				return a, true
			}
		}
	}
	return nil, false
}

func (d *fakeDirectory) State(name string) adapters.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.states[name]
}

func (d *fakeDirectory) set(name string, st adapters.State) {
	d.mu.Lock()
	d.states[name] = st
	d.mu.Unlock()
}

func newTestRouter(t *testing.T, dir Directory, cfg Config) *Router {
	t.Helper()
	r := NewRouter(dir, cfg)
	t.Cleanup(r.Close)
	return r
}

func wait(t *testing.T, p *Pending) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return o
}

// --- Submit Tests ---

func TestSubmitApplied(t *testing.T) {
	bt := adapters.NewMockAdapter("bluetooth", nil)
	r := newTestRouter(t, newFakeDirectory(bt), Config{})

	p := r.Submit(adapters.Command{Target: "bluetooth.device.AA", Action: "connect"})
	if p.ID() == "" {
		t.Error("correlation id should be generated")
	}
	o := wait(t, p)
	if o.Status != Applied || o.Err != nil {
		t.Fatalf("outcome = %+v, want Applied", o)
	}
	if o.Adapter != "bluetooth" {
		t.Errorf("Adapter = %q, want bluetooth", o.Adapter)
	}
	if r.InFlight("bluetooth") != 0 {
		t.Errorf("InFlight = %d after resolution", r.InFlight("bluetooth"))
	}
}

func TestSubmitFailedAdapterRejectsImmediately(t *testing.T) {
	bt := adapters.NewMockAdapter("bluetooth", nil)
	dir := newFakeDirectory(bt)
	dir.set("bluetooth", adapters.Failed)
	r := newTestRouter(t, dir, Config{})

	p := r.Submit(adapters.Command{Target: "bluetooth", Action: "toggle-power"})
	select {
	case <-p.Done():
	default:
		t.Fatal("Pending should already be resolved")
	}
	o := p.Outcome()
	if o.Status != Rejected || !errors.Is(o.Err, ErrAdapterUnavailable) {
		t.Errorf("outcome = %+v, want Rejected(AdapterUnavailable)", o)
	}
	if bt.ExecuteCount() != 0 {
		t.Errorf("backend received %d calls, want 0", bt.ExecuteCount())
	}
}

func TestSubmitUnknownTarget(t *testing.T) {
	r := newTestRouter(t, newFakeDirectory(), Config{})
	o := wait(t, r.Submit(adapters.Command{Target: "nowhere", Action: "x"}))
	if !errors.Is(o.Err, ErrUnknownTarget) {
		t.Errorf("err = %v, want ErrUnknownTarget", o.Err)
	}
}

func TestBackendRejectionVerbatim(t *testing.T) {
	reason := errors.New("org.freedesktop.NetworkManager.PermissionDenied: Not authorized")
	nm := adapters.NewMockAdapter("network", nil, adapters.WithExecuteFunc(func(context.Context, adapters.Command) error {
		return adapters.Reject("network", reason)
	}))
	r := newTestRouter(t, newFakeDirectory(nm), Config{})

	o := wait(t, r.Submit(adapters.Command{Target: "network", Action: "toggle-wifi"}))
	var rej *adapters.RejectedError
	if o.Status != Rejected || !errors.As(o.Err, &rej) {
		t.Fatalf("outcome = %+v, want backend rejection", o)
	}
	if rej.Reason != reason.Error() {
		t.Errorf("Reason = %q, want %q", rej.Reason, reason.Error())
	}
}

func TestTimeoutThenLateResponse(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	a := adapters.NewMockAdapter("audio", nil, adapters.WithExecuteFunc(func(ctx context.Context, _ adapters.Command) error {
		defer close(finished)
		<-release
		return nil
	}))
	r := newTestRouter(t, newFakeDirectory(a), Config{})

	p := r.Submit(adapters.Command{Target: "audio", Action: "set-volume", Timeout: 30 * time.Millisecond})
	o := wait(t, p)
	if o.Status != Rejected || !errors.Is(o.Err, ErrTimeout) {
		t.Fatalf("outcome = %+v, want Rejected(Timeout)", o)
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("backend call never completed")
	}
	time.Sleep(20 * time.Millisecond)
	if got := p.Outcome(); got.Status != Rejected || !errors.Is(got.Err, ErrTimeout) {
		t.Errorf("late response changed outcome to %+v", got)
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	a := adapters.NewMockAdapter("tray", nil, adapters.WithExecuteFunc(func(ctx context.Context, _ adapters.Command) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	r := newTestRouter(t, newFakeDirectory(a), Config{})

	p := r.Submit(adapters.Command{Target: "tray", Action: "activate"})
	<-started
	p.Cancel()
	p.Cancel()

	o := wait(t, p)
	if o.Status != Rejected || !errors.Is(o.Err, ErrCancelled) {
		t.Errorf("outcome = %+v, want Rejected(Cancelled)", o)
	}
}

func TestDuplicateCorrelationID(t *testing.T) {
	block := make(chan struct{})
	a := adapters.NewMockAdapter("power", nil, adapters.WithExecuteFunc(func(context.Context, adapters.Command) error {
		<-block
		return nil
	}))
	r := newTestRouter(t, newFakeDirectory(a), Config{})
	defer close(block)

	first := r.Submit(adapters.Command{Target: "power", Action: "refresh", CorrelationID: "abc"})
	second := r.Submit(adapters.Command{Target: "power", Action: "refresh", CorrelationID: "abc"})

	o := wait(t, second)
	if !errors.Is(o.Err, ErrDuplicateCorrelation) {
		t.Errorf("second outcome = %+v, want ErrDuplicateCorrelation", o)
	}
	if first.Outcome().Status != InFlight {
		t.Error("first command should still be in flight")
	}
}

func TestQueueFull(t *testing.T) {
	block := make(chan struct{})
	a := adapters.NewMockAdapter("session", nil, adapters.WithExecuteFunc(func(context.Context, adapters.Command) error {
		<-block
		return nil
	}))
	r := newTestRouter(t, newFakeDirectory(a), Config{QueueSize: 1, DefaultTimeout: time.Minute})
	defer close(block)

	var rejected bool
	for i := 0; i < 5; i++ {
		p := r.Submit(adapters.Command{Target: "session", Action: "lock"})
		select {
		case <-p.Done():
			if errors.Is(p.Outcome().Err, ErrQueueFull) {
				rejected = true
			}
		default:
		}
	}
	if !rejected {
		t.Error("expected a queue-full rejection")
	}
}

// --- Ordering Tests ---

func TestPerAdapterFIFOAndIndependence(t *testing.T) {
	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	slow := adapters.NewMockAdapter("network", nil, adapters.WithExecuteFunc(func(_ context.Context, c adapters.Command) error {
		if c.Action == "first" {
			<-block
		}
		mu.Lock()
		order = append(order, c.Action)
		mu.Unlock()
		return nil
	}))
	fast := adapters.NewMockAdapter("clock", nil)
	r := newTestRouter(t, newFakeDirectory(slow, fast), Config{DefaultTimeout: time.Minute})

	p1 := r.Submit(adapters.Command{Target: "network", Action: "first"})
	p2 := r.Submit(adapters.Command{Target: "network", Action: "second"})
	p3 := r.Submit(adapters.Command{Target: "network", Action: "third"})

	// A blocked adapter must not hold up another one.
	if o := wait(t, r.Submit(adapters.Command{Target: "clock", Action: "noop"})); o.Status != Applied {
		t.Fatalf("clock outcome = %+v", o)
	}

	close(block)
	for _, p := range []*Pending{p1, p2, p3} {
		if o := wait(t, p); o.Status != Applied {
			t.Fatalf("outcome = %+v", o)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestAdapterFailedRejectsInFlight(t *testing.T) {
	started := make(chan struct{})
	a := adapters.NewMockAdapter("bluetooth", nil, adapters.WithExecuteFunc(func(ctx context.Context, _ adapters.Command) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	dir := newFakeDirectory(a)
	r := newTestRouter(t, dir, Config{DefaultTimeout: time.Minute})

	p := r.Submit(adapters.Command{Target: "bluetooth", Action: "connect"})
	queued := r.Submit(adapters.Command{Target: "bluetooth", Action: "disconnect"})
	<-started

	dir.set("bluetooth", adapters.Failed)
	r.AdapterFailed("bluetooth")

	for _, pp := range []*Pending{p, queued} {
		if o := wait(t, pp); !errors.Is(o.Err, ErrAdapterUnavailable) {
			t.Errorf("outcome = %+v, want AdapterUnavailable", o)
		}
	}
}

func TestCloseRejectsPending(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	a := adapters.NewMockAdapter("tray", nil, adapters.WithExecuteFunc(func(ctx context.Context, _ adapters.Command) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))
	r := NewRouter(newFakeDirectory(a), Config{DefaultTimeout: time.Minute})

	p := r.Submit(adapters.Command{Target: "tray", Action: "activate"})
	r.Close()

	if o := wait(t, p); !errors.Is(o.Err, ErrClosed) {
		t.Errorf("outcome = %+v, want ErrClosed", o)
	}
	if o := wait(t, r.Submit(adapters.Command{Target: "tray", Action: "activate"})); !errors.Is(o.Err, ErrClosed) {
		t.Errorf("post-close outcome = %+v, want ErrClosed", o)
	}
}
