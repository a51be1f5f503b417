package workspaces

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/hyprland"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// fakeHyprland serves canned request replies and writes lines on the event
// socket once a client connects. The event connection stays open until the
// test ends.
type fakeHyprland struct {
	client *hyprland.Client

	mu   sync.Mutex
	seen []string
}

func newFakeHyprland(t *testing.T, replies map[string]string, events ...string) *fakeHyprland {
	t.Helper()
	dir := t.TempDir()
	f := &fakeHyprland{client: &hyprland.Client{
		RequestPath: filepath.Join(dir, ".socket.sock"),
		EventsPath:  filepath.Join(dir, ".socket2.sock"),
	}}

	req, err := net.Listen("unix", f.client.RequestPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { req.Close() })
	go func() {
		for {
			conn, err := req.Accept()
			if err != nil {
				return
			}
			b, _ := io.ReadAll(conn)
			f.mu.Lock()
			f.seen = append(f.seen, string(b))
			f.mu.Unlock()
			io.WriteString(conn, replies[string(b)])
			conn.Close()
		}
	}()

	ev, err := net.Listen("unix", f.client.EventsPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ev.Close()
	})
	go func() {
		conn, err := ev.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, line := range events {
			io.WriteString(conn, line+"\n")
		}
		<-done
	}()
	return f
}

func (f *fakeHyprland) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

var baseReplies = map[string]string{
	"j/workspaces":      `[{"id":1,"name":"1","monitor":"DP-1","windows":2},{"id":2,"name":"2","monitor":"DP-1","windows":0},{"id":-98,"name":"special:scratch","monitor":"DP-1","windows":1}]`,
	"j/activeworkspace": `{"id":1,"name":"1","monitor":"DP-1","windows":2}`,
	"j/monitors":        `[{"id":0,"name":"DP-1","focused":true,"activeWorkspace":{"id":1,"name":"1"},"specialWorkspace":{"id":0,"name":""}}]`,
}

func find(msgs []state.Message, key string) (state.Message, bool) {
	for _, m := range msgs {
		if m.Key == key {
			return m, true
		}
	}
	return state.Message{}, false
}

// --- Model Tests ---

func TestModelLoad(t *testing.T) {
	m := NewModel()
	m.Load([]hyprland.Workspace{
		{ID: 1, Name: "1", Monitor: "DP-1", Windows: 2},
		{ID: -98, Name: "special:scratch", Monitor: "DP-1"},
	}, 1, "")
	msgs := m.Messages()

	w1, ok := find(msgs, "workspace.1")
	if !ok {
		t.Fatal("workspace.1 missing")
	}
	if want := (state.Workspace{ID: 1, Name: "1", Monitor: "DP-1", Windows: 2, Active: true}); !state.Equal(w1.Value, want) {
		t.Errorf("workspace.1 = %v, want %v", w1.Value, want)
	}
	sp, ok := find(msgs, "workspace.special_scratch")
	if !ok || !sp.Value.(state.Workspace).Special {
		t.Errorf("special workspace = %+v, %v", sp, ok)
	}
	if a, _ := find(msgs, ActiveKey); !state.Equal(a.Value, state.Int(1)) {
		t.Errorf("active = %v, want 1", a.Value)
	}
	if _, ok := find(msgs, SpecialKey); ok {
		t.Error("workspace.special should not be emitted with no special workspace shown")
	}
}

func TestModelApply(t *testing.T) {
	m := NewModel()
	m.Load([]hyprland.Workspace{{ID: 1, Name: "1"}, {ID: 2, Name: "2"}}, 1, "")
	m.Messages()

	reload, err := m.Apply(hyprland.Event{Name: "workspacev2", Data: "2,2"})
	if err != nil || reload {
		t.Fatalf("workspacev2 = %v, %v", reload, err)
	}
	msgs := m.Messages()
	if w, _ := find(msgs, "workspace.1"); w.Value.(state.Workspace).Active {
		t.Error("workspace.1 still active")
	}
	if w, _ := find(msgs, "workspace.2"); !w.Value.(state.Workspace).Active {
		t.Error("workspace.2 not active")
	}

	reload, err = m.Apply(hyprland.Event{Name: "destroyworkspacev2", Data: "2,2"})
	if err != nil || !reload {
		t.Fatalf("destroyworkspacev2 = %v, %v", reload, err)
	}
	if d, ok := find(m.Messages(), "workspace.2"); !ok || !d.Delete {
		t.Errorf("workspace.2 = %+v, want delete", d)
	}

	if _, err := m.Apply(hyprland.Event{Name: "activespecialv2", Data: "-98,special:scratch,DP-1"}); err != nil {
		t.Fatalf("activespecialv2: %v", err)
	}
	if s, _ := find(m.Messages(), SpecialKey); !state.Equal(s.Value, state.Text("scratch")) {
		t.Errorf("special = %v, want scratch", s.Value)
	}
	if _, err := m.Apply(hyprland.Event{Name: "activespecialv2", Data: ",,DP-1"}); err != nil {
		t.Fatalf("activespecialv2 close: %v", err)
	}
	if s, ok := find(m.Messages(), SpecialKey); !ok || !s.Delete {
		t.Errorf("special = %+v, want delete", s)
	}
}

func TestModelApplyMalformed(t *testing.T) {
	m := NewModel()
	for _, ev := range []hyprland.Event{
		{Name: "workspacev2", Data: "abc,abc"},
		{Name: "createworkspacev2", Data: "7"},
		{Name: "activespecialv2", Data: "x,special:a,DP-1"},
		{Name: "focusedmonv2", Data: "DP-1"},
	} {
		reload, err := m.Apply(ev)
		if !errors.Is(err, adapters.ErrProtocolViolation) {
			t.Errorf("%s>>%s err = %v, want protocol violation", ev.Name, ev.Data, err)
		}
		if !reload {
			t.Errorf("%s>>%s should request a reload", ev.Name, ev.Data)
		}
	}
	if reload, err := m.Apply(hyprland.Event{Name: "openwindow", Data: "abc,1,kitty,title"}); err != nil || !reload {
		t.Errorf("openwindow = %v, %v, want reload", reload, err)
	}
	if reload, err := m.Apply(hyprland.Event{Name: "activelayout", Data: "kb,us"}); err != nil || reload {
		t.Errorf("activelayout = %v, %v, want ignored", reload, err)
	}
}

// --- Command Tests ---

func TestDispatcher(t *testing.T) {
	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"3", "workspace 3", false},
		{"special:scratch", "togglespecialworkspace scratch", false},
		{"special_scratch", "togglespecialworkspace scratch", false},
		{"special", "togglespecialworkspace", false},
		{" ", "", true},
	}
	for _, tt := range tests {
		got, err := Dispatcher(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("Dispatcher(%q) err = %v", tt.id, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Dispatcher(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestExecuteSelect(t *testing.T) {
	f := newFakeHyprland(t, map[string]string{
		"dispatch workspace 3":  "ok",
		"dispatch workspace 99": "Invalid workspace",
	})
	a := New(WithClient(f.client))

	if err := a.Execute(context.Background(), adapters.Command{Target: "workspace.3", Action: "select"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	err := a.Execute(context.Background(), adapters.Command{Target: Name, Action: "select", Params: map[string]string{"id": "99"}})
	var rej *adapters.RejectedError
	if !errors.As(err, &rej) || rej.Reason != "Invalid workspace" {
		t.Errorf("err = %v, want rejection with compositor reply", err)
	}
	if err := a.Execute(context.Background(), adapters.Command{Target: Name, Action: "select"}); !errors.As(err, &rej) {
		t.Errorf("select without id = %v, want rejection", err)
	}
	if err := a.Execute(context.Background(), adapters.Command{Target: Name, Action: "rename"}); !errors.Is(err, adapters.ErrUnsupportedAction) {
		t.Errorf("rename = %v, want unsupported", err)
	}

	got := f.requests()
	if len(got) != 2 || got[0] != "dispatch workspace 3" {
		t.Errorf("requests = %v", got)
	}
}

// --- Run Tests ---

func TestRunFollowsEvents(t *testing.T) {
	f := newFakeHyprland(t, baseReplies, "workspacev2>>2,2", "garbage")
	a := New(WithClient(f.client), WithRefreshInterval(time.Hour))
	sink := adapters.NewRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, sink) }()

	sawSwitch := func() bool {
		for _, m := range sink.Messages() {
			if m.Key == ActiveKey && state.Equal(m.Value, state.Int(2)) {
				return true
			}
		}
		return false
	}
	deadline := time.After(3 * time.Second)
	for sink.ReadyCount() == 0 || !sawSwitch() || len(sink.Violations()) == 0 {
		select {
		case <-sink.Changed():
		case <-deadline:
			t.Fatalf("ready=%d switch=%v violations=%d", sink.ReadyCount(), sawSwitch(), len(sink.Violations()))
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if v, _, ok := sink.Latest("workspace.special_scratch"); !ok || !v.(state.Workspace).Special {
		t.Errorf("special workspace = %v", v)
	}
}

func TestRunWithoutCompositor(t *testing.T) {
	dir := t.TempDir()
	a := New(WithClient(&hyprland.Client{
		RequestPath: filepath.Join(dir, "missing.sock"),
		EventsPath:  filepath.Join(dir, "missing2.sock"),
	}))
	err := a.Run(context.Background(), adapters.NewRecordingSink())
	if !errors.Is(err, adapters.ErrConnectionLost) {
		t.Errorf("Run = %v, want ErrConnectionLost", err)
	}
}
