package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
)

// WriteHealthFile writes the health status as indented JSON to path.
// The write is atomic: content goes to a temporary file first, then is
// renamed into place to prevent partial reads.
func WriteHealthFile(path string, status HealthStatus) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create health directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health status: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp health file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename health file: %w", err)
	}
	return nil
}

// ReadHealthFile reads and parses the health status JSON from path.
func ReadHealthFile(path string) (HealthStatus, error) {
	var status HealthStatus
	data, err := os.ReadFile(path)
	if err != nil {
		return status, fmt.Errorf("read health file: %w", err)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("unmarshal health file: %w", err)
	}
	return status, nil
}

// HealthWriter rewrites the health file after every adapter transition.
type HealthWriter struct {
	path    string
	backend Backend
	started time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

func NewHealthWriter(path string, backend Backend, logger *slog.Logger) *HealthWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthWriter{path: path, backend: backend, started: time.Now(), logger: logger.With("component", "health")}
}

// Write records the current status. Failures are logged, not returned, so
// the writer can hang off lifecycle hooks.
func (w *HealthWriter) Write() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := WriteHealthFile(w.path, BuildHealth(w.backend, w.started)); err != nil {
		w.logger.Warn("health file not written", "path", w.path, "error", err)
	}
}

// OnTransition has the signature of supervisor.TransitionFunc.
func (w *HealthWriter) OnTransition(adapter string, from, to adapters.State) {
	w.logger.Debug("adapter transition", "adapter", adapter, "from", from, "to", to)
	w.Write()
}

// Remove deletes the health file on shutdown.
func (w *HealthWriter) Remove() {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Debug("remove health file", "error", err)
	}
}
