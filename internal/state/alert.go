package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/storeguard/internal/ai"
)

// Alert is a persisted alert
type Alert struct {
	ID             string          `json:"id"`
	CameraID       string          `json:"camera_id"`
	SessionID      string          `json:"session_id"`
	TrackID        uint64          `json:"track_id"`
	Type           string          `json:"alert_type"`
	Severity       int             `json:"severity"`
	Confidence     float64         `json:"confidence"`
	Description    string          `json:"description"`
	IdentityID     *int64          `json:"identity_id,omitempty"`
	Box            *ai.BoundingBox `json:"box,omitempty"`
	SnapshotURL    string          `json:"snapshot_url,omitempty"`
	IsStaff        bool            `json:"is_staff"`
	Timestamp      time.Time       `json:"timestamp"`
	Acknowledged   bool            `json:"acknowledged"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	CameraID       string
	Type           string
	Since          time.Time
	Until          time.Time
	Unacknowledged bool
	Limit          int
}

const alertColumns = `id, camera_id, session_id, track_id, alert_type, severity, confidence, description,
	identity_id, box, snapshot_url, is_staff, timestamp, acknowledged, acknowledged_by, acknowledged_at`

// PersistAlert stores an alert and returns its id, generating one when the
// alert has none.
func (m *Manager) PersistAlert(ctx context.Context, alert Alert) (string, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var box interface{}
	if alert.Box != nil {
		data, err := json.Marshal(alert.Box)
		if err != nil {
			return "", fmt.Errorf("failed to marshal alert box: %w", err)
		}
		box = string(data)
	}
	var identityID interface{}
	if alert.IdentityID != nil {
		identityID = *alert.IdentityID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO alerts (id, camera_id, session_id, track_id, alert_type, severity, confidence,
			description, identity_id, box, snapshot_url, is_staff, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.exec(ctx, query,
		alert.ID, alert.CameraID, alert.SessionID, int64(alert.TrackID), alert.Type, alert.Severity,
		alert.Confidence, alert.Description, identityID, box, alert.SnapshotURL, alert.IsStaff,
		alert.Timestamp.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to persist alert: %w", err)
	}

	return alert.ID, nil
}

// GetAlert retrieves an alert by id
func (m *Manager) GetAlert(ctx context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.queryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := m.scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListAlerts returns alerts matching filter, newest first
func (m *Manager) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1 = 1`
	var args []interface{}
	if filter.CameraID != "" {
		query += ` AND camera_id = ?`
		args = append(args, filter.CameraID)
	}
	if filter.Type != "" {
		query += ` AND alert_type = ?`
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, filter.Until.UTC())
	}
	if filter.Unacknowledged {
		query += ` AND acknowledged = ?`
		args = append(args, false)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY timestamp DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := m.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		alert, err := m.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}

	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as acknowledged by user
func (m *Manager) AcknowledgeAlert(ctx context.Context, id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `UPDATE alerts SET acknowledged = ?, acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`
	res, err := m.exec(ctx, query, true, nullString(by), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return requireRow(res, "alert", id)
}

func (m *Manager) scanAlert(row rowScanner) (*Alert, error) {
	var (
		alert          Alert
		trackID        int64
		identityID     sql.NullInt64
		box            sql.NullString
		acknowledgedBy sql.NullString
		acknowledgedAt sql.NullTime
	)
	if err := row.Scan(
		&alert.ID, &alert.CameraID, &alert.SessionID, &trackID, &alert.Type, &alert.Severity,
		&alert.Confidence, &alert.Description, &identityID, &box, &alert.SnapshotURL, &alert.IsStaff,
		&alert.Timestamp, &alert.Acknowledged, &acknowledgedBy, &acknowledgedAt,
	); err != nil {
		return nil, err
	}

	alert.TrackID = uint64(trackID)
	if identityID.Valid {
		id := identityID.Int64
		alert.IdentityID = &id
	}
	if box.Valid && box.String != "" {
		var b ai.BoundingBox
		if err := json.Unmarshal([]byte(box.String), &b); err != nil {
			m.logger.Warn("Failed to parse alert box", "alert_id", alert.ID, "error", err)
		} else {
			alert.Box = &b
		}
	}
	alert.AcknowledgedBy = acknowledgedBy.String
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		alert.AcknowledgedAt = &t
	}

	return &alert, nil
}
