// Package tempdir implements the scoped temp-directory facility consumed by
// the Terraform driver: Acquire returns a fresh empty directory plus a Dir
// whose Close removes it, and a background sweep goroutine clears
// directories older than the retention window. Go has no RAII, so
// "guaranteed cleanup on scope exit" becomes "the caller defers Close" —
// every call site in internal/drivers/terraform does so.
package tempdir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Manager creates and sweeps scoped temp directories under BasePath.
type Manager struct {
	basePath  string
	retention time.Duration
	logger    *slog.Logger
}

// NewManager builds a Manager. basePath is created if it does not exist.
func NewManager(basePath string, retention time.Duration, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating tempdir base path %s: %w", basePath, err)
	}
	return &Manager{basePath: basePath, retention: retention, logger: logger}, nil
}

// Dir is a scoped directory acquired from a Manager.
type Dir struct {
	path   string
	logger *slog.Logger
}

// Path returns the directory's filesystem path.
func (d *Dir) Path() string { return d.path }

// Close removes the directory and everything under it. Failure to clean up
// is logged, never fatal, but the error is still returned so tests can
// assert on it.
func (d *Dir) Close() error {
	if err := os.RemoveAll(d.path); err != nil {
		d.logger.Warn("failed to remove scoped temp directory", "path", d.path, "error", err)
		return err
	}
	return nil
}

// Acquire creates and returns a fresh, empty, uniquely named directory. The
// caller must defer Close.
func (m *Manager) Acquire() (*Dir, error) {
	path := filepath.Join(m.basePath, uuid.New().String())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("acquiring scoped temp directory: %w", err)
	}
	return &Dir{path: path, logger: m.logger}, nil
}

// Sweep runs one best-effort pass removing directories under BasePath whose
// modification time is older than the retention window.
func (m *Manager) Sweep() {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		m.logger.Warn("tempdir sweep: failed to list base path", "path", m.basePath, "error", err)
		return
	}

	cutoff := time.Now().Add(-m.retention)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.basePath, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("tempdir sweep: failed to remove stale directory", "path", path, "error", err)
			continue
		}
		m.logger.Debug("tempdir sweep: removed stale directory", "path", path)
	}
}

// RunSweeper runs Sweep on interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
