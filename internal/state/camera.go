package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Camera is a registered camera
type Camera struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SourceURL  string     `json:"source_url"`
	Zone       string     `json:"zone"`
	Active     bool       `json:"is_active"`
	LastActive *time.Time `json:"last_active,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const cameraColumns = `id, name, source_url, zone, is_active, last_active, created_at`

// UpsertCamera saves or updates a camera. LastActive is only overwritten
// when set.
func (m *Manager) UpsertCamera(ctx context.Context, cam Camera) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO cameras (id, name, source_url, zone, is_active, last_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source_url = excluded.source_url,
			zone = excluded.zone,
			is_active = excluded.is_active,
			last_active = COALESCE(excluded.last_active, cameras.last_active),
			updated_at = excluded.updated_at
	`

	var lastActive interface{}
	if cam.LastActive != nil {
		lastActive = cam.LastActive.UTC()
	}
	name := cam.Name
	if name == "" {
		name = cam.ID
	}

	now := time.Now().UTC()
	_, err := m.exec(ctx, query,
		cam.ID, name, cam.SourceURL, cam.Zone, cam.Active, lastActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}

	return nil
}

// GetCamera retrieves a camera by ID
func (m *Manager) GetCamera(ctx context.Context, cameraID string) (*Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.queryRow(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?`, cameraID)
	cam, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return cam, nil
}

// ListCameras lists all cameras ordered by id
func (m *Manager) ListCameras(ctx context.Context) ([]Camera, error) {
	return m.listCameras(ctx, false)
}

// ListActiveCameras lists the cameras that were streaming when last seen
func (m *Manager) ListActiveCameras(ctx context.Context) ([]Camera, error) {
	return m.listCameras(ctx, true)
}

func (m *Manager) listCameras(ctx context.Context, activeOnly bool) ([]Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `SELECT ` + cameraColumns + ` FROM cameras`
	var args []interface{}
	if activeOnly {
		query += ` WHERE is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`

	rows, err := m.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []Camera
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, *cam)
	}

	return cameras, rows.Err()
}

// SetCameraActive records whether a camera is streaming. Activating also
// stamps last_active.
func (m *Manager) SetCameraActive(ctx context.Context, cameraID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	query := `UPDATE cameras SET is_active = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{active, now, cameraID}
	if active {
		query = `UPDATE cameras SET is_active = ?, last_active = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{active, now, now, cameraID}
	}

	res, err := m.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update camera state: %w", err)
	}
	return requireRow(res, "camera", cameraID)
}

// TouchCamera updates the last active timestamp of a camera
func (m *Manager) TouchCamera(ctx context.Context, cameraID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `UPDATE cameras SET last_active = ?, updated_at = ? WHERE id = ?`
	_, err := m.exec(ctx, query, at.UTC(), time.Now().UTC(), cameraID)
	if err != nil {
		return fmt.Errorf("failed to update camera last active: %w", err)
	}

	return nil
}

// DeleteCamera deletes a camera
func (m *Manager) DeleteCamera(ctx context.Context, cameraID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.exec(ctx, `DELETE FROM cameras WHERE id = ?`, cameraID)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	return requireRow(res, "camera", cameraID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row rowScanner) (*Camera, error) {
	var cam Camera
	var lastActive sql.NullTime
	if err := row.Scan(&cam.ID, &cam.Name, &cam.SourceURL, &cam.Zone, &cam.Active, &lastActive, &cam.CreatedAt); err != nil {
		return nil, err
	}
	if lastActive.Valid {
		t := lastActive.Time
		cam.LastActive = &t
	}
	return &cam, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
