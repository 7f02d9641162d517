package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Delivery is an alert a sink failed to receive
type Delivery struct {
	ID          int64     `json:"id"`
	Sink        string    `json:"sink"`
	Alert       Alert     `json:"alert"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnqueueDelivery queues alert for sink. The delivery is due at next.
func (m *Manager) EnqueueDelivery(ctx context.Context, sink string, alert Alert, cause string, next time.Time) (int64, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal alert: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO alert_outbox (alert_id, sink, payload, attempts, last_error, next_attempt, created_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		RETURNING id
	`
	var id int64
	err = m.queryRow(ctx, query, alert.ID, sink, string(payload), cause, next.UTC(), time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return id, nil
}

// DueDeliveries returns up to limit deliveries due at now, oldest first
func (m *Manager) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT id, sink, payload, attempts, last_error, next_attempt, created_at
		FROM alert_outbox
		WHERE next_attempt <= ?
		ORDER BY next_attempt ASC, id ASC
		LIMIT ?
	`
	rows, err := m.query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d       Delivery
			payload string
		)
		if err := rows.Scan(&d.ID, &d.Sink, &payload, &d.Attempts, &d.LastError, &d.NextAttempt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &d.Alert); err != nil {
			return nil, fmt.Errorf("failed to decode delivery %d: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RescheduleDelivery records a failed attempt and moves the delivery to next
func (m *Manager) RescheduleDelivery(ctx context.Context, id int64, cause string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		UPDATE alert_outbox
		SET attempts = attempts + 1, last_error = ?, next_attempt = ?
		WHERE id = ?
	`
	res, err := m.exec(ctx, query, cause, next.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule delivery: %w", err)
	}
	return requireRow(res, "delivery", strconv.FormatInt(id, 10))
}

// RemoveDelivery deletes a delivered or abandoned delivery
func (m *Manager) RemoveDelivery(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.exec(ctx, `DELETE FROM alert_outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove delivery: %w", err)
	}
	return requireRow(res, "delivery", strconv.FormatInt(id, 10))
}

// CountDeliveries returns the number of pending deliveries
func (m *Manager) CountDeliveries(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	if err := m.queryRow(ctx, `SELECT COUNT(*) FROM alert_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return n, nil
}
