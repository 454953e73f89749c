package state

import (
	"path/filepath"
	"testing"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// NewTestManager opens a manager backed by a database in a temporary directory
func NewTestManager(t testing.TB) *Manager {
	t.Helper()

	cfg := &config.Config{}
	cfg.Guard.Storage.DBPath = filepath.Join(t.TempDir(), "db", "security_camera.db")

	mgr, err := NewManager(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return mgr
}
