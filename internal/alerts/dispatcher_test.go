package alerts

import (
	"context"
	"errors"
	"image"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/behavior"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/pipeline"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
	"github.com/vzahanych/storeguard/internal/storage"
	"github.com/vzahanych/storeguard/internal/video"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []state.Alert
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, alert state.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

type failingSink struct{}

func (failingSink) Name() string { return "broken" }

func (failingSink) Publish(ctx context.Context, alert state.Alert) error {
	return errors.New("subscriber gone")
}

type recordingDeferrer struct {
	mu     sync.Mutex
	sinks  []string
	accept bool
}

func (d *recordingDeferrer) Defer(ctx context.Context, sink string, alert state.Alert, cause error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
	return d.accept
}

type fixture struct {
	dispatcher *Dispatcher
	store      *state.Manager
	snapshots  *storage.SnapshotStore
	sink       *recordingSink
	bus        *service.EventBus
	metrics    *metrics.Metrics
}

func setupDispatcher(t *testing.T) *fixture {
	t.Helper()

	store := state.NewTestManager(t)
	snaps, err := storage.NewSnapshotStore(storage.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	m, err := metrics.New()
	require.NoError(t, err)
	bus := service.NewEventBus(10)
	t.Cleanup(bus.Close)

	d, err := NewDispatcher(Config{}, store, snaps, bus, m, nil)
	require.NoError(t, err)
	sink := &recordingSink{}
	d.AddSink(failingSink{})
	d.AddSink(sink)

	return &fixture{dispatcher: d, store: store, snapshots: snaps, sink: sink, bus: bus, metrics: m}
}

func loiteringEvent(track uint64, at time.Time) pipeline.AlertEvent {
	frame := video.NewFrame("A", image.NewRGBA(image.Rect(0, 0, 640, 360)), at, 1)
	return pipeline.AlertEvent{
		CameraID:  "A",
		SessionID: "session-1",
		Frame:     frame,
		Alert: behavior.Alert{
			Type:        behavior.AlertLoitering,
			Severity:    2,
			TrackID:     track,
			Box:         ai.BoundingBox{X1: 100, Y1: 100, X2: 200, Y2: 300},
			Confidence:  0.9,
			Description: "Person loitering",
			Timestamp:   at,
		},
	}
}

func TestNewDispatcher_RequiresStore(t *testing.T) {
	_, err := NewDispatcher(Config{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestDispatcher_PersistsAndFansOut(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	events := f.bus.Subscribe(service.EventTypeAlertRaised)
	at := time.Date(2026, 3, 2, 14, 30, 5, 0, time.UTC)

	require.NoError(t, f.dispatcher.HandleAlert(ctx, loiteringEvent(3, at)))

	stored, err := f.store.ListAlerts(ctx, state.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	a := stored[0]
	assert.Equal(t, "A", a.CameraID)
	assert.Equal(t, "session-1", a.SessionID)
	assert.Equal(t, uint64(3), a.TrackID)
	assert.Equal(t, "loitering", a.Type)
	require.NotNil(t, a.Box)
	assert.True(t, strings.HasPrefix(a.SnapshotURL, "/snapshots/2026/03/02/alert_loitering_"))
	assert.True(t, strings.HasSuffix(a.SnapshotURL, "_20260302_143005.jpg"))

	path, err := f.snapshots.Path(strings.TrimPrefix(a.SnapshotURL, "/snapshots/"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	img, err := video.DecodeJPEG(data)
	require.NoError(t, err)
	// 100x200 box grown by 50px on each side
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())

	require.Len(t, f.sink.alerts, 1)
	assert.Equal(t, a.ID, f.sink.alerts[0].ID)

	select {
	case ev := <-events:
		assert.Equal(t, a.ID, ev.Data["alert_id"])
		assert.Equal(t, "loitering", ev.Data["type"])
	case <-time.After(time.Second):
		t.Fatal("alert event not published")
	}

	expected := `
# HELP storeguard_alert_sink_errors_total Alert fan-out failures
# TYPE storeguard_alert_sink_errors_total counter
storeguard_alert_sink_errors_total{sink="broken"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "storeguard_alert_sink_errors_total"))
}

func TestDispatcher_DefersFailedDeliveries(t *testing.T) {
	f := setupDispatcher(t)
	def := &recordingDeferrer{accept: true}
	f.dispatcher.SetDeferrer(def)

	require.NoError(t, f.dispatcher.HandleAlert(context.Background(), loiteringEvent(5, time.Now())))

	assert.Equal(t, []string{"broken"}, def.sinks)
	require.Len(t, f.sink.alerts, 1)
}

func TestDispatcher_DeduplicatesWithinWindow(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, f.dispatcher.HandleAlert(ctx, loiteringEvent(1, at)))
	require.NoError(t, f.dispatcher.HandleAlert(ctx, loiteringEvent(1, at)))
	require.NoError(t, f.dispatcher.HandleAlert(ctx, loiteringEvent(2, at)))

	stored, err := f.store.ListAlerts(ctx, state.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	expected := `
# HELP storeguard_alerts_deduplicated_total Alerts suppressed by the dedup window
# TYPE storeguard_alerts_deduplicated_total counter
storeguard_alerts_deduplicated_total{camera="A",type="loitering"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "storeguard_alerts_deduplicated_total"))
}

func TestDispatcher_IdentityAlertRecordsSighting(t *testing.T) {
	f := setupDispatcher(t)
	ctx := context.Background()

	id, err := f.store.UpsertIdentity(ctx, "alice", true)
	require.NoError(t, err)

	ev := loiteringEvent(4, time.Now())
	ev.Frame = nil
	ev.Alert.Type = behavior.AlertKnownIdentity
	ev.Alert.Severity = 3
	ev.IdentityID = &id
	ev.IdentityName = "alice"

	require.NoError(t, f.dispatcher.HandleAlert(ctx, ev))

	// the same identity on another track is still a repeat
	ev.Alert.TrackID = 5
	require.NoError(t, f.dispatcher.HandleAlert(ctx, ev))

	n, err := f.store.CountSightings(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.ListAlerts(ctx, state.AlertFilter{Type: "known_identity"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].IdentityID)
	assert.Equal(t, id, *stored[0].IdentityID)
	assert.Empty(t, stored[0].SnapshotURL)
}

func TestRedisSink_PublishError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()

	sink := NewRedisSink(client, "storeguard:alerts", 100)
	assert.Equal(t, "redis", sink.Name())
	err = sink.Publish(context.Background(), state.Alert{ID: "x", CameraID: "A", Type: "loitering"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storeguard:alerts")
}
