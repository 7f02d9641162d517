package state

import (
	"path/filepath"
	"testing"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
)

// NewTestManager opens a SQLite-backed manager in a temporary directory
// that is closed when the test ends.
func NewTestManager(t testing.TB) *Manager {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "db", "state.db"),
	}

	mgr, err := NewManager(cfg, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return mgr
}
