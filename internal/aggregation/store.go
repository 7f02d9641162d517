// Package aggregation accumulates per-camera hourly footfall and demographic
// counts in memory and flushes them to persistent storage.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
)

// Sink persists hourly aggregates. UpsertHourlyFootfall overwrites the
// unique count; MergeHourlyDemographics adds the counts to what is stored.
type Sink interface {
	UpsertHourlyFootfall(ctx context.Context, cameraID string, hour time.Time, uniqueCount int) error
	MergeHourlyDemographics(ctx context.Context, cameraID string, hour time.Time, counts map[string]int) error
}

// TrackKey identifies a track across worker restarts
type TrackKey struct {
	Session string
	ID      uint64
}

type bucketKey struct {
	cameraID string
	hour     int64
}

type bucket struct {
	mu           sync.Mutex
	cameraID     string
	hour         time.Time
	tracks       map[TrackKey]struct{}
	demoCounted  map[TrackKey]struct{}
	demographics map[string]int // deltas not yet flushed
	flushed      int            // unique count at the last successful flush
	dropped      bool
}

// BucketSnapshot is a read-only copy of a bucket
type BucketSnapshot struct {
	CameraID     string
	Hour         time.Time
	UniqueCount  int
	Demographics map[string]int
}

// FlushResult reports what a flush wrote
type FlushResult struct {
	Buckets int
	Failed  int
	Dropped int
}

// Store holds the open buckets. The map is guarded by mu; each bucket's
// contents by its own mutex, so cameras do not contend with each other.
type Store struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
	// sealed is, per camera, the latest past hour whose bucket was flushed
	// and dropped. Its persisted count is final.
	sealed  map[string]time.Time
	now     func() time.Time
	flushMu sync.Mutex // one flush at a time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		buckets: make(map[bucketKey]*bucket),
		sealed:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the clock used to decide which hour is current
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// HourOf truncates t to the start of its UTC hour
func HourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Observe records a track sighting in the (camera, hour) bucket of at. The
// track's demographic category is counted at most once per bucket. Sightings
// for an hour whose bucket was already flushed and dropped are ignored.
func (s *Store) Observe(cameraID string, track TrackKey, demo *ai.Demographics, at time.Time) {
	var b *bucket
	for {
		b = s.bucket(cameraID, HourOf(at))
		if b == nil {
			return
		}
		b.mu.Lock()
		if !b.dropped {
			break
		}
		// lost a race with dropIfIdle; the next lookup sees the hour sealed
		b.mu.Unlock()
	}
	defer b.mu.Unlock()

	b.tracks[track] = struct{}{}
	if demo == nil {
		return
	}
	if _, counted := b.demoCounted[track]; counted {
		return
	}
	b.demoCounted[track] = struct{}{}
	b.demographics[demo.Category()]++
}

func (s *Store) bucket(cameraID string, hour time.Time) *bucket {
	key := bucketKey{cameraID: cameraID, hour: hour.Unix()}

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok {
		return b
	}
	if sealed, ok := s.sealed[cameraID]; ok && !hour.After(sealed) {
		return nil
	}
	b = &bucket{
		cameraID:     cameraID,
		hour:         hour,
		tracks:       make(map[TrackKey]struct{}),
		demoCounted:  make(map[TrackKey]struct{}),
		demographics: make(map[string]int),
	}
	s.buckets[key] = b
	return b
}

// Flush writes every bucket to sink: the footfall count is overwritten with
// the bucket's unique track count, then the pending demographic deltas are
// merged. Deltas are cleared only after both writes succeed. Buckets of past
// hours are dropped once flushed. A failing bucket does not stop the others;
// all failures are returned joined.
func (s *Store) Flush(ctx context.Context, sink Sink) (FlushResult, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	currentHour := HourOf(s.now())
	s.mu.RUnlock()

	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].hour.Equal(buckets[j].hour) {
			return buckets[i].hour.Before(buckets[j].hour)
		}
		return buckets[i].cameraID < buckets[j].cameraID
	})

	var result FlushResult
	var errs []error
	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := s.flushBucket(ctx, sink, b); err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("failed to flush %s@%s: %w", b.cameraID, b.hour.Format(time.RFC3339), err))
			continue
		}
		result.Buckets++

		if b.hour.Before(currentHour) && s.dropIfIdle(b) {
			result.Dropped++
		}
	}

	return result, errors.Join(errs...)
}

func (s *Store) flushBucket(ctx context.Context, sink Sink, b *bucket) error {
	b.mu.Lock()
	unique := len(b.tracks)
	deltas := make(map[string]int, len(b.demographics))
	for k, v := range b.demographics {
		deltas[k] = v
	}
	b.mu.Unlock()

	if err := sink.UpsertHourlyFootfall(ctx, b.cameraID, b.hour, unique); err != nil {
		return err
	}
	if len(deltas) > 0 {
		if err := sink.MergeHourlyDemographics(ctx, b.cameraID, b.hour, deltas); err != nil {
			return err
		}
	}

	// subtract what was written; observations made meanwhile stay pending
	b.mu.Lock()
	for k, v := range deltas {
		if b.demographics[k] -= v; b.demographics[k] <= 0 {
			delete(b.demographics, k)
		}
	}
	b.flushed = unique
	b.mu.Unlock()
	return nil
}

// dropIfIdle removes a past-hour bucket unless it gained data since the flush
func (s *Store) dropIfIdle(b *bucket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.demographics) > 0 || len(b.tracks) != b.flushed {
		return false
	}

	b.dropped = true
	delete(s.buckets, bucketKey{cameraID: b.cameraID, hour: b.hour.Unix()})
	if b.hour.After(s.sealed[b.cameraID]) {
		s.sealed[b.cameraID] = b.hour
	}
	return true
}

// Snapshot returns copies of all open buckets ordered by hour and camera
func (s *Store) Snapshot() []BucketSnapshot {
	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	out := make([]BucketSnapshot, 0, len(buckets))
	for _, b := range buckets {
		b.mu.Lock()
		demo := make(map[string]int, len(b.demographics))
		for k, v := range b.demographics {
			demo[k] = v
		}
		out = append(out, BucketSnapshot{
			CameraID:     b.cameraID,
			Hour:         b.hour,
			UniqueCount:  len(b.tracks),
			Demographics: demo,
		})
		b.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].CameraID < out[j].CameraID
	})
	return out
}

// UniqueCount returns the number of distinct tracks seen by a camera in hour
func (s *Store) UniqueCount(cameraID string, hour time.Time) int {
	s.mu.RLock()
	b, ok := s.buckets[bucketKey{cameraID: cameraID, hour: HourOf(hour).Unix()}]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tracks)
}
