package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakySink fails the first failures publishes
type flakySink struct {
	mu        sync.Mutex
	failures  int
	delivered []string
}

func (s *flakySink) Name() string { return "redis" }

func (s *flakySink) Publish(ctx context.Context, alert state.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	s.delivered = append(s.delivered, alert.ID)
	return nil
}

func (s *flakySink) Delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupRetrier(t *testing.T, cfg Config, sink *flakySink) (*Retrier, *state.Manager, *clock, *metrics.Metrics) {
	t.Helper()
	store := state.NewTestManager(t)
	m, err := metrics.New()
	require.NoError(t, err)

	r := NewRetrier(cfg, store, m, nil)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r.now = c.now
	r.AddSink(sink)
	return r, store, c, m
}

func TestRetrier_Delay(t *testing.T) {
	r := NewRetrier(Config{RetryDelay: time.Second, MaxDelay: 10 * time.Second}, nil, nil, nil)
	assert.Equal(t, time.Second, r.Delay(1))
	assert.Equal(t, 2*time.Second, r.Delay(2))
	assert.Equal(t, 8*time.Second, r.Delay(4))
	assert.Equal(t, 10*time.Second, r.Delay(5))
	assert.Equal(t, 10*time.Second, r.Delay(30))
}

func TestRetrier_DeferUnknownSink(t *testing.T) {
	r, store, _, _ := setupRetrier(t, Config{}, &flakySink{})
	ctx := context.Background()

	assert.False(t, r.Defer(ctx, "websocket", state.Alert{ID: "a"}, errors.New("gone")))
	n, err := store.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetrier_RedeliversAfterDelay(t *testing.T) {
	sink := &flakySink{failures: 1}
	r, store, c, m := setupRetrier(t, Config{RetryDelay: time.Second, MaxDelay: time.Minute}, sink)
	ctx := context.Background()

	require.True(t, r.Defer(ctx, "redis", state.Alert{ID: "a-1", CameraID: "A"}, errors.New("connection refused")))
	pending, err := store.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// not due yet
	n, err := r.RetryNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// first retry fails and is pushed back by two seconds
	c.advance(time.Second)
	n, err = r.RetryNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(time.Second)
	n, err = r.RetryNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.advance(time.Second)
	n, err = r.RetryNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a-1"}, sink.Delivered())

	pending, err = store.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "storeguard_alert_outbox_deliveries_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRetrier_DropsAfterMaxAttempts(t *testing.T) {
	sink := &flakySink{failures: 100}
	r, store, c, _ := setupRetrier(t, Config{RetryDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 3}, sink)
	ctx := context.Background()

	require.True(t, r.Defer(ctx, "redis", state.Alert{ID: "a-1"}, errors.New("down")))
	for i := 0; i < 3; i++ {
		c.advance(time.Second)
		_, err := r.RetryNow(ctx)
		require.NoError(t, err)
	}

	pending, err := store.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Empty(t, sink.Delivered())
}

func TestRetrier_FullOutboxRefuses(t *testing.T) {
	r, store, _, _ := setupRetrier(t, Config{MaxPending: 2}, &flakySink{})
	ctx := context.Background()

	assert.True(t, r.Defer(ctx, "redis", state.Alert{ID: "a-1"}, nil))
	assert.True(t, r.Defer(ctx, "redis", state.Alert{ID: "a-2"}, nil))
	assert.False(t, r.Defer(ctx, "redis", state.Alert{ID: "a-3"}, nil))

	pending, err := store.CountDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestRetrier_StartStop(t *testing.T) {
	sink := &flakySink{}
	r, _, _, _ := setupRetrier(t, Config{Interval: 10 * time.Millisecond, RetryDelay: time.Millisecond}, sink)
	r.now = time.Now
	ctx := context.Background()

	require.True(t, r.Defer(ctx, "redis", state.Alert{ID: "a-1"}, errors.New("down")))
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))

	assert.Eventually(t, func() bool {
		return len(sink.Delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
}
