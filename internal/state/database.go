package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database wraps the SQL connection and hides the dialect differences
// between SQLite and PostgreSQL.
type Database struct {
	db     *sql.DB
	driver string
	dsn    string
}

// NewDatabase opens a database and initializes the schema. For SQLite the
// dsn is a file path whose directory is created if needed.
func NewDatabase(driver, dsn string) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if err := ensureDir(filepath.Dir(dsn)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite doesn't support concurrent writes well
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	database := &Database{
		db:     db,
		driver: driver,
		dsn:    dsn,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Driver returns the driver name
func (d *Database) Driver() string {
	return d.driver
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaTemplate = `
	-- Cameras table
	CREATE TABLE IF NOT EXISTS cameras (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_url TEXT NOT NULL,
		zone TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		last_active {{TS}},
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	);

	-- Alerts raised by the behavior and identity rules
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		track_id BIGINT NOT NULL,
		alert_type TEXT NOT NULL,
		severity INTEGER NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		identity_id BIGINT,
		box TEXT, -- JSON bounding box
		snapshot_url TEXT NOT NULL DEFAULT '',
		is_staff BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp {{TS}} NOT NULL,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_by TEXT,
		acknowledged_at {{TS}}
	);

	-- Unique people per camera and hour
	CREATE TABLE IF NOT EXISTS hourly_footfall (
		camera_id TEXT NOT NULL,
		hour {{TS}} NOT NULL,
		unique_count INTEGER NOT NULL DEFAULT 0,
		updated_at {{TS}} NOT NULL,
		PRIMARY KEY (camera_id, hour)
	);

	-- Demographic counts per camera and hour, JSON object of category -> count
	CREATE TABLE IF NOT EXISTS hourly_demographics (
		camera_id TEXT NOT NULL,
		hour {{TS}} NOT NULL,
		counts TEXT NOT NULL,
		updated_at {{TS}} NOT NULL,
		PRIMARY KEY (camera_id, hour)
	);

	-- Known identities
	CREATE TABLE IF NOT EXISTS identities (
		id {{ID}},
		name TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS identity_embeddings (
		id {{ID}},
		identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		embedding TEXT NOT NULL, -- JSON array of floats
		created_at {{TS}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS identity_sightings (
		id {{ID}},
		identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		camera_id TEXT NOT NULL,
		alert_id TEXT,
		confidence REAL NOT NULL,
		box TEXT,
		timestamp {{TS}} NOT NULL
	);

	-- Alert deliveries a sink failed, retried until they go through
	CREATE TABLE IF NOT EXISTS alert_outbox (
		id {{ID}},
		alert_id TEXT NOT NULL,
		sink TEXT NOT NULL,
		payload TEXT NOT NULL, -- JSON encoded alert
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt {{TS}} NOT NULL,
		created_at {{TS}} NOT NULL
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_alerts_camera_timestamp ON alerts(camera_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged, timestamp);
	CREATE INDEX IF NOT EXISTS idx_embeddings_identity ON identity_embeddings(identity_id, id);
	CREATE INDEX IF NOT EXISTS idx_sightings_identity ON identity_sightings(identity_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON alert_outbox(next_attempt);
`

// initSchema initializes the database schema
func (d *Database) initSchema() error {
	r := strings.NewReplacer(
		"{{ID}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{TS}}", "TIMESTAMP",
	)
	if d.driver == DriverPostgres {
		r = strings.NewReplacer(
			"{{ID}}", "BIGSERIAL PRIMARY KEY",
			"{{TS}}", "TIMESTAMPTZ",
		)
	}

	if _, err := d.db.Exec(r.Replace(schemaTemplate)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// ensureDir ensures a directory exists
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
