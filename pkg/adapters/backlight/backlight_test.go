package backlight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
)

// fakeSysfs creates root/<device>/{brightness,max_brightness}.
func fakeSysfs(t *testing.T, device string, brightness, max string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "brightness"), brightness)
	writeFile(t, filepath.Join(dir, "max_brightness"), max)
	return root
}

func writeFile(t *testing.T, path, s string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(s+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	calls  []uint32
	err    error
	onCall func(uint32)
}

func (w *fakeWriter) SetBrightness(_ context.Context, _ string, v uint32) error {
	w.mu.Lock()
	w.calls = append(w.calls, v)
	w.mu.Unlock()
	if w.onCall != nil {
		w.onCall(v)
	}
	return w.err
}

func (w *fakeWriter) last() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return 0
	}
	return w.calls[len(w.calls)-1]
}

// --- Reading Tests ---

func TestReadingPercent(t *testing.T) {
	tests := []struct {
		r    Reading
		want state.Percent
	}{
		{Reading{Brightness: 60, Max: 120}, 50},
		{Reading{Brightness: 1, Max: 3}, 33},
		{Reading{Brightness: 5, Max: 0}, 0},
		{Reading{Brightness: 300, Max: 255}, 100},
	}
	for _, tt := range tests {
		if got := tt.r.Percent(); got != tt.want {
			t.Errorf("%+v Percent = %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestReadingTarget(t *testing.T) {
	r := Reading{Max: 255}
	if got := r.Target(50); got != 128 {
		t.Errorf("Target(50) = %d, want 128", got)
	}
	if got := r.Target(-10); got != 0 {
		t.Errorf("Target(-10) = %d, want 0", got)
	}
	if got := r.Target(140); got != 255 {
		t.Errorf("Target(140) = %d, want 255", got)
	}
}

func TestFindDevice(t *testing.T) {
	root := fakeSysfs(t, "intel_backlight", "10", "100")
	if err := os.MkdirAll(filepath.Join(root, "acpi_video0"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindDevice(root, "")
	if err != nil || got != "acpi_video0" {
		t.Errorf("FindDevice = %q, %v, want acpi_video0", got, err)
	}
	got, err = FindDevice(root, "intel_backlight")
	if err != nil || got != "intel_backlight" {
		t.Errorf("FindDevice(named) = %q, %v", got, err)
	}
	if _, err := FindDevice(t.TempDir(), ""); err == nil {
		t.Error("empty class directory should fail")
	}
}

func TestReadMalformed(t *testing.T) {
	root := fakeSysfs(t, "intel_backlight", "abc", "100")
	if _, err := Read(root, "intel_backlight"); err == nil {
		t.Error("non-numeric brightness should fail")
	}
}

// --- Run Tests ---

func TestRunFollowsWrites(t *testing.T) {
	root := fakeSysfs(t, "intel_backlight", "480", "960")
	a := New(Config{Root: root, PollInterval: 20 * time.Millisecond})
	sink := adapters.NewRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, sink) }()

	wait := func(want state.Percent) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			if v, _, _ := sink.Latest(PercentKey); v != nil && state.Equal(v, want) {
				return
			}
			select {
			case <-sink.Changed():
			case <-deadline:
				v, _, _ := sink.Latest(PercentKey)
				t.Fatalf("percent = %v, want %v", v, want)
			}
		}
	}
	wait(50)
	if sink.ReadyCount() != 1 {
		t.Errorf("ReadyCount = %d, want 1", sink.ReadyCount())
	}
	writeFile(t, filepath.Join(root, "intel_backlight", "brightness"), "240")
	wait(25)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if v, _, _ := sink.Latest(DeviceKey); !state.Equal(v, state.Text("intel_backlight")) {
		t.Errorf("device = %v", v)
	}
}

func TestRunWithoutDevice(t *testing.T) {
	a := New(Config{Root: t.TempDir()})
	if err := a.Run(context.Background(), adapters.NewRecordingSink()); !errors.Is(err, adapters.ErrConnectionLost) {
		t.Errorf("Run = %v, want ErrConnectionLost", err)
	}
}

// --- Command Tests ---

func TestExecute(t *testing.T) {
	root := fakeSysfs(t, "intel_backlight", "50", "100")
	w := &fakeWriter{}
	a := New(Config{Root: root}, WithWriter(w))
	ctx := context.Background()

	if err := a.Execute(ctx, adapters.Command{Target: Name, Action: "set", Params: map[string]string{"percent": "80"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if w.last() != 80 {
		t.Errorf("set wrote %d, want 80", w.last())
	}
	if err := a.Execute(ctx, adapters.Command{Target: Name, Action: "step", Params: map[string]string{"delta": "-10"}}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if w.last() != 40 {
		t.Errorf("step wrote %d, want 40", w.last())
	}
	if err := a.Execute(ctx, adapters.Command{Target: Name, Action: "step", Params: map[string]string{"delta": "90"}}); err != nil {
		t.Fatalf("step up: %v", err)
	}
	if w.last() != 100 {
		t.Errorf("step up wrote %d, want 100", w.last())
	}

	var rej *adapters.RejectedError
	if err := a.Execute(ctx, adapters.Command{Target: Name, Action: "set", Params: map[string]string{"percent": "140"}}); !errors.As(err, &rej) {
		t.Errorf("set 140 = %v, want rejection", err)
	}
	if err := a.Execute(ctx, adapters.Command{Target: Name, Action: "blink"}); !errors.Is(err, adapters.ErrUnsupportedAction) {
		t.Errorf("blink = %v, want unsupported", err)
	}

	w.err = errors.New("Access denied")
	err := a.Execute(ctx, adapters.Command{Target: Name, Action: "set", Params: map[string]string{"percent": "10"}})
	if !errors.As(err, &rej) || rej.Reason != "Access denied" {
		t.Errorf("denied = %v, want rejection with backend text", err)
	}
}
