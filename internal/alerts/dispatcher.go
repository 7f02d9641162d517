// Package alerts persists the alerts raised by camera workers and fans them
// out to the live subscribers.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/vzahanych/storeguard/internal/behavior"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/pipeline"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
)

// DefaultDedupWindow suppresses repeats of the same alert
const DefaultDedupWindow = 2 * time.Second

// Store persists alerts and identity sightings
type Store interface {
	PersistAlert(ctx context.Context, alert state.Alert) (string, error)
	RecordSighting(ctx context.Context, s state.Sighting) error
}

// SnapshotStore stores encoded alert crops and returns their URL
type SnapshotStore interface {
	Store(ctx context.Context, data []byte, key string) (string, error)
}

// Sink receives every persisted alert. A failing sink never blocks the
// others or the persistence of the alert.
type Sink interface {
	Name() string
	Publish(ctx context.Context, alert state.Alert) error
}

// Deferrer takes over deliveries a sink failed. Defer reports whether the
// alert was queued for a later attempt.
type Deferrer interface {
	Defer(ctx context.Context, sink string, alert state.Alert, cause error) bool
}

// Config holds the dispatch settings
type Config struct {
	DedupWindow     time.Duration
	SnapshotPadding int
	JPEGQuality     int
}

// ConfigFromSettings derives the dispatch settings from the application config
func ConfigFromSettings(cfg *config.Config) Config {
	return Config{
		DedupWindow:     cfg.Alerts.DedupWindow,
		SnapshotPadding: cfg.Behavior.SnapshotPadding,
		JPEGQuality:     cfg.Pipeline.JPEGQuality,
	}
}

// Dispatcher implements pipeline.AlertHandler
type Dispatcher struct {
	cfg       Config
	store     Store
	snapshots SnapshotStore
	sinks     []Sink
	deferrer  Deferrer
	bus       *service.EventBus
	metrics   *metrics.Metrics
	logger    *logger.Logger
	recent    *cache.Cache
	now       func() time.Time
}

var _ pipeline.AlertHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. snapshots, bus and m may be nil.
func NewDispatcher(cfg Config, store Store, snapshots SnapshotStore, bus *service.EventBus, m *metrics.Metrics, log *logger.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("alert store is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.SnapshotPadding <= 0 {
		cfg.SnapshotPadding = behavior.DefaultSnapshotPadding
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}

	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		snapshots: snapshots,
		bus:       bus,
		metrics:   m,
		logger:    log.With("component", "alerts"),
		recent:    cache.New(cfg.DedupWindow, 4*cfg.DedupWindow),
		now:       time.Now,
	}, nil
}

// AddSink registers a live subscriber. Not safe to call once alerts flow.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// SetDeferrer routes failed sink deliveries to d
func (d *Dispatcher) SetDeferrer(def Deferrer) {
	d.deferrer = def
}

// dedupKey identifies repeats: identity alerts per identity and camera,
// everything else per track within a worker session
func dedupKey(ev pipeline.AlertEvent) string {
	if ev.IdentityID != nil {
		return fmt.Sprintf("%s|%s|identity:%d", ev.CameraID, ev.Alert.Type, *ev.IdentityID)
	}
	return fmt.Sprintf("%s|%s|%s|%d", ev.CameraID, ev.SessionID, ev.Alert.Type, ev.Alert.TrackID)
}

// HandleAlert persists the alert with its snapshot and notifies the sinks.
// Repeats inside the dedup window are dropped.
func (d *Dispatcher) HandleAlert(ctx context.Context, ev pipeline.AlertEvent) error {
	alertType := string(ev.Alert.Type)
	if err := d.recent.Add(dedupKey(ev), struct{}{}, cache.DefaultExpiration); err != nil {
		d.metrics.AlertDeduplicated(ev.CameraID, alertType)
		d.logger.Debug("Duplicate alert suppressed", "camera_id", ev.CameraID, "type", alertType, "track_id", ev.Alert.TrackID)
		return nil
	}

	ts := ev.Alert.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	box := ev.Alert.Box
	rec := state.Alert{
		ID:          uuid.New().String(),
		CameraID:    ev.CameraID,
		SessionID:   ev.SessionID,
		TrackID:     ev.Alert.TrackID,
		Type:        alertType,
		Severity:    ev.Alert.Severity,
		Confidence:  ev.Alert.Confidence,
		Description: ev.Alert.Description,
		IdentityID:  ev.IdentityID,
		Box:         &box,
		IsStaff:     ev.Alert.IsStaff,
		Timestamp:   ts,
	}
	if ev.Frame != nil && d.snapshots != nil {
		rec.SnapshotURL = d.snapshot(ctx, ev, rec.ID, ts)
	}

	id, err := d.store.PersistAlert(ctx, rec)
	if err != nil {
		d.metrics.AlertSinkError("database")
		return fmt.Errorf("failed to persist %s alert for camera %s: %w", alertType, ev.CameraID, err)
	}
	rec.ID = id

	if ev.IdentityID != nil {
		err := d.store.RecordSighting(ctx, state.Sighting{
			IdentityID: *ev.IdentityID,
			CameraID:   ev.CameraID,
			AlertID:    id,
			Confidence: ev.Alert.Confidence,
			Box:        &box,
			Timestamp:  ts,
		})
		if err != nil {
			d.metrics.AlertSinkError("sightings")
			d.logger.Error("Failed to record sighting", "error", err, "camera_id", ev.CameraID, "identity_id", *ev.IdentityID)
		}
	}

	d.metrics.AlertRaised(ev.CameraID, alertType)
	d.logger.Info("Alert raised",
		"alert_id", id,
		"camera_id", ev.CameraID,
		"type", alertType,
		"severity", rec.Severity,
		"track_id", rec.TrackID,
		"snapshot", rec.SnapshotURL,
	)

	if d.bus != nil {
		data := map[string]interface{}{
			"alert_id":     id,
			"camera_id":    ev.CameraID,
			"session_id":   ev.SessionID,
			"type":         alertType,
			"severity":     rec.Severity,
			"track_id":     rec.TrackID,
			"confidence":   rec.Confidence,
			"snapshot_url": rec.SnapshotURL,
		}
		if ev.IdentityID != nil {
			data["identity_id"] = *ev.IdentityID
			data["identity_name"] = ev.IdentityName
		}
		d.bus.Publish(service.Event{
			Type:      service.EventTypeAlertRaised,
			Timestamp: ts,
			Source:    "alerts",
			Data:      data,
		})
	}

	for _, s := range d.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			d.metrics.AlertSinkError(s.Name())
			if d.deferrer != nil && d.deferrer.Defer(ctx, s.Name(), rec, err) {
				d.logger.Info("Alert delivery queued for retry", "sink", s.Name(), "alert_id", id, "error", err)
				continue
			}
			d.logger.Warn("Alert sink failed", "sink", s.Name(), "alert_id", id, "error", err)
		}
	}
	return nil
}

// snapshot stores the crop around the alert box. Failures leave the alert
// without a snapshot.
func (d *Dispatcher) snapshot(ctx context.Context, ev pipeline.AlertEvent, id string, ts time.Time) string {
	data, err := behavior.CropSnapshot(ev.Frame, ev.Alert.Box, d.cfg.SnapshotPadding, d.cfg.JPEGQuality)
	if err != nil {
		d.metrics.AlertSinkError("snapshot")
		d.logger.Warn("Failed to crop alert snapshot", "camera_id", ev.CameraID, "error", err)
		return ""
	}
	url, err := d.snapshots.Store(ctx, data, behavior.SnapshotKey(ev.Alert.Type, id, ts))
	if err != nil {
		d.metrics.AlertSinkError("snapshot")
		d.logger.Warn("Failed to store alert snapshot", "camera_id", ev.CameraID, "error", err)
		return ""
	}
	return url
}
