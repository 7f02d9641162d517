package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// HourlyFootfall is the unique person count of one camera hour
type HourlyFootfall struct {
	CameraID    string    `json:"camera_id"`
	Hour        time.Time `json:"hour"`
	UniqueCount int       `json:"unique_count"`
}

// HourlyDemographics holds the demographic counts of one camera hour
type HourlyDemographics struct {
	CameraID string         `json:"camera_id"`
	Hour     time.Time      `json:"hour"`
	Counts   map[string]int `json:"counts"`
}

// UpsertHourlyFootfall overwrites the unique count of a camera hour
func (m *Manager) UpsertHourlyFootfall(ctx context.Context, cameraID string, hour time.Time, uniqueCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO hourly_footfall (camera_id, hour, unique_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(camera_id, hour) DO UPDATE SET
			unique_count = excluded.unique_count,
			updated_at = excluded.updated_at
	`
	_, err := m.exec(ctx, query, cameraID, hour.UTC(), uniqueCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert hourly footfall: %w", err)
	}
	return nil
}

// MergeHourlyDemographics adds counts to the stored counts of a camera hour.
// The read and the write happen in one transaction.
func (m *Manager) MergeHourlyDemographics(ctx context.Context, cameraID string, hour time.Time, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hour = hour.UTC()
	return m.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		selectQuery := `SELECT counts FROM hourly_demographics WHERE camera_id = ? AND hour = ?`
		if m.db.Driver() == DriverPostgres {
			selectQuery += ` FOR UPDATE`
		}
		err := tx.QueryRowContext(ctx, m.db.rebind(selectQuery), cameraID, hour).Scan(&raw)

		merged := make(map[string]int, len(counts))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read hourly demographics: %w", err)
		default:
			if err := json.Unmarshal([]byte(raw), &merged); err != nil {
				m.logger.Warn("Replacing unreadable demographics row",
					"camera_id", cameraID,
					"hour", hour,
					"error", err,
				)
				merged = make(map[string]int, len(counts))
			}
		}

		for category, n := range counts {
			merged[category] += n
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal demographics: %w", err)
		}

		upsert := `
			INSERT INTO hourly_demographics (camera_id, hour, counts, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(camera_id, hour) DO UPDATE SET
				counts = excluded.counts,
				updated_at = excluded.updated_at
		`
		if _, err := tx.ExecContext(ctx, m.db.rebind(upsert), cameraID, hour, string(data), time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to write hourly demographics: %w", err)
		}
		return nil
	})
}

// GetHourlyFootfall returns footfall rows in [from, to) ordered by hour.
// An empty cameraID returns all cameras.
func (m *Manager) GetHourlyFootfall(ctx context.Context, cameraID string, from, to time.Time) ([]HourlyFootfall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query, args := hourRangeQuery(`SELECT camera_id, hour, unique_count FROM hourly_footfall`, cameraID, from, to)
	rows, err := m.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly footfall: %w", err)
	}
	defer rows.Close()

	var out []HourlyFootfall
	for rows.Next() {
		var f HourlyFootfall
		if err := rows.Scan(&f.CameraID, &f.Hour, &f.UniqueCount); err != nil {
			return nil, err
		}
		f.Hour = f.Hour.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetHourlyDemographics returns demographics rows in [from, to) ordered by
// hour. An empty cameraID returns all cameras.
func (m *Manager) GetHourlyDemographics(ctx context.Context, cameraID string, from, to time.Time) ([]HourlyDemographics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query, args := hourRangeQuery(`SELECT camera_id, hour, counts FROM hourly_demographics`, cameraID, from, to)
	rows, err := m.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly demographics: %w", err)
	}
	defer rows.Close()

	var out []HourlyDemographics
	for rows.Next() {
		var (
			d   HourlyDemographics
			raw string
		)
		if err := rows.Scan(&d.CameraID, &d.Hour, &raw); err != nil {
			return nil, err
		}
		d.Hour = d.Hour.UTC()
		if err := json.Unmarshal([]byte(raw), &d.Counts); err != nil {
			m.logger.Warn("Skipping unreadable demographics row", "camera_id", d.CameraID, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func hourRangeQuery(base, cameraID string, from, to time.Time) (string, []interface{}) {
	query := base + ` WHERE hour >= ? AND hour < ?`
	args := []interface{}{from.UTC(), to.UTC()}
	if cameraID != "" {
		query += ` AND camera_id = ?`
		args = append(args, cameraID)
	}
	query += ` ORDER BY hour, camera_id`
	return query, args
}
