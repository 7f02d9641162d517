package state

import (
	"context"
	"testing"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
)

func TestNewManager(t *testing.T) {
	mgr := NewTestManager(t)

	if mgr.GetDB() == nil {
		t.Fatal("Database should be initialized")
	}
	if err := mgr.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewManager_UnsupportedDriver(t *testing.T) {
	_, err := NewManager(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, logger.NewNopLogger())
	if err == nil {
		t.Fatal("Expected error for unsupported driver")
	}
}

func TestDatabase_Rebind(t *testing.T) {
	pg := &Database{driver: DriverPostgres}
	got := pg.rebind(`SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?`)
	want := `SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3`
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	lite := &Database{driver: DriverSQLite}
	if q := lite.rebind("x = ?"); q != "x = ?" {
		t.Errorf("SQLite query should be unchanged, got %q", q)
	}
}
