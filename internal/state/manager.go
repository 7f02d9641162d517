// Package state persists cameras, alerts, hourly aggregates and known
// identities in SQLite or PostgreSQL.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Manager implements every persistence interface the pipeline consumes
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the configured database
func NewManager(cfg config.DatabaseConfig, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := NewDatabase(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	log.Info("State database opened", "driver", db.Driver())

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Ping checks the database connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.GetDB().PingContext(ctx)
}

func (m *Manager) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return m.db.GetDB().ExecContext(ctx, m.db.rebind(query), args...)
}

func (m *Manager) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return m.db.GetDB().QueryContext(ctx, m.db.rebind(query), args...)
}

func (m *Manager) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return m.db.GetDB().QueryRowContext(ctx, m.db.rebind(query), args...)
}

// withTx runs fn in a transaction, committing on success
func (m *Manager) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
