package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/identity"
)

// Identity is a known identity row
type Identity struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Active     bool      `json:"is_active"`
	Embeddings int       `json:"embeddings"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sighting records a known identity seen by a camera
type Sighting struct {
	IdentityID int64
	CameraID   string
	AlertID    string
	Confidence float64
	Box        *ai.BoundingBox
	Timestamp  time.Time
}

// ListActiveIdentities implements identity.Source. Identities come in
// registration order, each with its embeddings in insertion order.
func (m *Manager) ListActiveIdentities(ctx context.Context) ([]identity.StoredIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT i.id, i.name, e.embedding
		FROM identities i
		JOIN identity_embeddings e ON e.identity_id = i.id
		WHERE i.is_active = ?
		ORDER BY i.id, e.id
	`
	rows, err := m.query(ctx, query, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []identity.StoredIdentity
	for rows.Next() {
		var (
			id   int64
			name string
			raw  string
		)
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != id {
			out = append(out, identity.StoredIdentity{ID: id, Name: name})
		}
		last := &out[len(out)-1]
		last.Embeddings = append(last.Embeddings, []byte(raw))
	}

	return out, rows.Err()
}

// ListIdentities returns every identity with its embedding count
func (m *Manager) ListIdentities(ctx context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT i.id, i.name, i.is_active, i.created_at, COUNT(e.id)
		FROM identities i
		LEFT JOIN identity_embeddings e ON e.identity_id = i.id
		GROUP BY i.id, i.name, i.is_active, i.created_at
		ORDER BY i.id
	`
	rows, err := m.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Name, &ident.Active, &ident.CreatedAt, &ident.Embeddings); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// UpsertIdentity creates or updates an identity by name and returns its id
func (m *Manager) UpsertIdentity(ctx context.Context, name string, active bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	query := `
		INSERT INTO identities (name, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		RETURNING id
	`
	var id int64
	if err := m.queryRow(ctx, query, name, active, now, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to upsert identity: %w", err)
	}
	return id, nil
}

// AddIdentityEmbedding validates and stores an embedding as a JSON array
func (m *Manager) AddIdentityEmbedding(ctx context.Context, identityID int64, embedding []float64) error {
	raw, err := identity.EncodeEmbedding(embedding)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `INSERT INTO identity_embeddings (identity_id, embedding, created_at) VALUES (?, ?, ?)`
	if _, err := m.exec(ctx, query, identityID, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to add identity embedding: %w", err)
	}
	return nil
}

// SetIdentityActive enables or disables matching for an identity
func (m *Manager) SetIdentityActive(ctx context.Context, identityID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.exec(ctx, `UPDATE identities SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), identityID)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return requireRow(res, "identity", fmt.Sprint(identityID))
}

// RecordSighting stores a sighting of a known identity
func (m *Manager) RecordSighting(ctx context.Context, s Sighting) error {
	var box interface{}
	if s.Box != nil {
		data, err := json.Marshal(s.Box)
		if err != nil {
			return fmt.Errorf("failed to marshal sighting box: %w", err)
		}
		box = string(data)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO identity_sightings (identity_id, camera_id, alert_id, confidence, box, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := m.exec(ctx, query, s.IdentityID, s.CameraID, nullString(s.AlertID), s.Confidence, box, s.Timestamp.UTC()); err != nil {
		return fmt.Errorf("failed to record sighting: %w", err)
	}
	return nil
}

// CountSightings returns how many sightings an identity has
func (m *Manager) CountSightings(ctx context.Context, identityID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	err := m.queryRow(ctx, `SELECT COUNT(*) FROM identity_sightings WHERE identity_id = ?`, identityID).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to count sightings: %w", err)
	}
	return n, nil
}
