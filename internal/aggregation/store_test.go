package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/service"
)

type sinkKey struct {
	camera string
	hour   int64
}

type memorySink struct {
	mu          sync.Mutex
	footfall    map[sinkKey]int
	demographic map[sinkKey]map[string]int
	footErr     error
	demoErr     error
	upserts     int
}

func newMemorySink() *memorySink {
	return &memorySink{
		footfall:    make(map[sinkKey]int),
		demographic: make(map[sinkKey]map[string]int),
	}
}

func (m *memorySink) UpsertHourlyFootfall(ctx context.Context, cameraID string, hour time.Time, uniqueCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.footErr != nil {
		return m.footErr
	}
	m.upserts++
	m.footfall[sinkKey{cameraID, hour.Unix()}] = uniqueCount
	return nil
}

func (m *memorySink) MergeHourlyDemographics(ctx context.Context, cameraID string, hour time.Time, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.demoErr != nil {
		return m.demoErr
	}
	k := sinkKey{cameraID, hour.Unix()}
	if m.demographic[k] == nil {
		m.demographic[k] = make(map[string]int)
	}
	for cat, n := range counts {
		m.demographic[k][cat] += n
	}
	return nil
}

func (m *memorySink) footfallAt(camera string, hour time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.footfall[sinkKey{camera, hour.Unix()}]
}

func (m *memorySink) demographicsAt(camera string, hour time.Time) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.demographic[sinkKey{camera, hour.Unix()}]
}

var base = time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)

func newTestStore(now time.Time) *Store {
	s := NewStore()
	s.SetClock(func() time.Time { return now })
	return s
}

func TestHourOf(t *testing.T) {
	local := time.Date(2026, 3, 14, 12, 59, 59, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), HourOf(local))
}

func TestStore_UniqueTracks(t *testing.T) {
	s := newTestStore(base)
	s1 := TrackKey{Session: "s1", ID: 1}

	s.Observe("A", s1, nil, base)
	s.Observe("A", s1, nil, base.Add(time.Second))
	s.Observe("A", TrackKey{Session: "s1", ID: 2}, nil, base)
	// same numeric id from another worker run is a different person
	s.Observe("A", TrackKey{Session: "s2", ID: 1}, nil, base)
	s.Observe("B", s1, nil, base)

	assert.Equal(t, 3, s.UniqueCount("A", base))
	assert.Equal(t, 1, s.UniqueCount("B", base))
	assert.Equal(t, 0, s.UniqueCount("C", base))
}

func TestStore_DemographicsOncePerTrack(t *testing.T) {
	s := newTestStore(base)
	female := &ai.Demographics{Gender: "female", Age: 34}
	male := &ai.Demographics{Gender: "male", Age: 20}
	k := TrackKey{Session: "s", ID: 7}

	s.Observe("A", k, nil, base) // demographics not known yet
	s.Observe("A", k, female, base)
	s.Observe("A", k, female, base.Add(time.Second))
	s.Observe("A", k, male, base.Add(2*time.Second)) // later reclassification ignored
	s.Observe("A", TrackKey{Session: "s", ID: 8}, male, base)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, map[string]int{
		female.Category(): 1,
		male.Category():   1,
	}, snap[0].Demographics)
}

func TestStore_FlushIsIdempotent(t *testing.T) {
	s := newTestStore(base)
	sink := newMemorySink()
	demo := &ai.Demographics{Gender: "female", Age: 34}

	s.Observe("A", TrackKey{Session: "s", ID: 1}, demo, base)
	s.Observe("A", TrackKey{Session: "s", ID: 2}, nil, base)

	for i := 0; i < 3; i++ {
		res, err := s.Flush(context.Background(), sink)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Buckets)
	}

	hour := HourOf(base)
	assert.Equal(t, 2, sink.footfallAt("A", hour))
	assert.Equal(t, map[string]int{demo.Category(): 1}, sink.demographicsAt("A", hour))
}

func TestStore_FlushFailureKeepsDeltas(t *testing.T) {
	s := newTestStore(base)
	sink := newMemorySink()
	demo := &ai.Demographics{Gender: "male", Age: 50}
	s.Observe("A", TrackKey{Session: "s", ID: 1}, demo, base)

	sink.demoErr = errors.New("db locked")
	res, err := s.Flush(context.Background(), sink)
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, s.Snapshot()[0].Demographics[demo.Category()])

	sink.demoErr = nil
	_, err = s.Flush(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{demo.Category(): 1}, sink.demographicsAt("A", HourOf(base)))
	assert.Empty(t, s.Snapshot()[0].Demographics)
}

func TestStore_FailingBucketDoesNotBlockOthers(t *testing.T) {
	s := newTestStore(base)
	s.Observe("A", TrackKey{Session: "s", ID: 1}, nil, base)
	s.Observe("B", TrackKey{Session: "s", ID: 1}, nil, base)

	sink := &selectiveSink{memorySink: newMemorySink(), failCamera: "A"}
	res, err := s.Flush(context.Background(), sink)
	require.Error(t, err)
	assert.Equal(t, 1, res.Buckets)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, sink.footfallAt("B", HourOf(base)))
}

type selectiveSink struct {
	*memorySink
	failCamera string
}

func (s *selectiveSink) UpsertHourlyFootfall(ctx context.Context, cameraID string, hour time.Time, n int) error {
	if cameraID == s.failCamera {
		return fmt.Errorf("camera %s rejected", cameraID)
	}
	return s.memorySink.UpsertHourlyFootfall(ctx, cameraID, hour, n)
}

func TestStore_PastHourBucketsDropped(t *testing.T) {
	s := newTestStore(base.Add(time.Hour))
	sink := newMemorySink()

	s.Observe("A", TrackKey{Session: "s", ID: 1}, nil, base)                // previous hour
	s.Observe("A", TrackKey{Session: "s", ID: 2}, nil, base.Add(time.Hour)) // current hour

	res, err := s.Flush(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Buckets)
	assert.Equal(t, 1, res.Dropped)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, HourOf(base.Add(time.Hour)), snap[0].Hour)
	assert.Equal(t, 1, sink.footfallAt("A", HourOf(base)))
}

func TestStore_LateSightingAfterDrop(t *testing.T) {
	s := newTestStore(base)
	sink := newMemorySink()
	prev := HourOf(base)
	lastMinute := prev.Add(59 * time.Minute)

	for id := uint64(1); id <= 3; id++ {
		s.Observe("A", TrackKey{Session: "s", ID: id}, nil, lastMinute)
	}

	next := prev.Add(time.Hour + time.Second)
	s.SetClock(func() time.Time { return next })
	res, err := s.Flush(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 3, sink.footfallAt("A", prev))

	// a frame from the closed hour arrives after the drop
	s.Observe("A", TrackKey{Session: "s", ID: 1}, &ai.Demographics{Gender: "male", Age: 40}, prev.Add(time.Hour-time.Second))
	assert.Equal(t, 0, s.UniqueCount("A", prev))
	assert.Empty(t, s.Snapshot())

	_, err = s.Flush(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 3, sink.footfallAt("A", prev))
	assert.Empty(t, sink.demographicsAt("A", prev))

	// the current hour and other cameras are unaffected
	s.Observe("A", TrackKey{Session: "s", ID: 4}, nil, next)
	s.Observe("B", TrackKey{Session: "s", ID: 1}, nil, lastMinute)
	assert.Equal(t, 1, s.UniqueCount("A", next))
	assert.Equal(t, 1, s.UniqueCount("B", prev))
}

func TestStore_ConcurrentObserveAndFlush(t *testing.T) {
	s := newTestStore(base)
	sink := newMemorySink()
	demo := &ai.Demographics{Gender: "female", Age: 25}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Observe("A", TrackKey{Session: fmt.Sprint(w), ID: uint64(i)}, demo, base)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = s.Flush(context.Background(), sink)
		}
	}()
	wg.Wait()

	_, err := s.Flush(context.Background(), sink)
	require.NoError(t, err)

	hour := HourOf(base)
	assert.Equal(t, 400, sink.footfallAt("A", hour))
	assert.Equal(t, 400, sink.demographicsAt("A", hour)[demo.Category()])
}

func TestFlushService_FinalFlushOnStop(t *testing.T) {
	store := newTestStore(base)
	sink := newMemorySink()
	svc := NewFlushService(store, sink, time.Hour, nil, nil)

	bus := service.NewEventBus(10)
	defer bus.Close()
	svc.SetEventBus(bus)
	events := bus.Subscribe(service.EventTypeFootfallFlushed)

	require.NoError(t, svc.Start(context.Background()))
	store.Observe("A", TrackKey{Session: "s", ID: 1}, nil, base)
	require.NoError(t, svc.Stop(context.Background()))

	assert.Equal(t, 1, sink.footfallAt("A", HourOf(base)))
	select {
	case ev := <-events:
		assert.Equal(t, 1, ev.Data["buckets"])
	case <-time.After(time.Second):
		t.Fatal("Expected a flush event")
	}

	// stopping twice is a no-op
	require.NoError(t, svc.Stop(context.Background()))
}

func TestFlushService_PeriodicFlush(t *testing.T) {
	store := newTestStore(base)
	sink := newMemorySink()
	svc := NewFlushService(store, sink, 10*time.Millisecond, nil, nil)

	store.Observe("A", TrackKey{Session: "s", ID: 1}, nil, base)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	assert.Eventually(t, func() bool {
		return sink.footfallAt("A", HourOf(base)) == 1
	}, time.Second, 5*time.Millisecond)
}
