// Package tracker associates per-frame person detections into tracks using
// IoU similarity and optimal (Hungarian) assignment.
package tracker

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
)

const (
	DefaultIoUThreshold = 0.3
	DefaultMaxAge       = 30
)

// Track is a person followed across frames
type Track struct {
	ID        uint64
	Box       ai.BoundingBox
	Age       int // cycles since the last match
	Hits      int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Tracked pairs a detection of the current frame with its track
type Tracked struct {
	Track     Track
	Detection ai.Detection
	New       bool
}

// Config configures a Tracker
type Config struct {
	IoUThreshold float64
	MaxAge       int
}

// Tracker keeps the track table of a single camera. Ids are allocated from a
// monotonically increasing counter and never reused.
type Tracker struct {
	mu        sync.Mutex
	threshold float64
	maxAge    int
	nextID    uint64
	tracks    []*Track // kept in creation order
}

// New creates a tracker
func New(cfg Config) *Tracker {
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}
	if cfg.MaxAge < 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Tracker{
		threshold: cfg.IoUThreshold,
		maxAge:    cfg.MaxAge,
		nextID:    1,
	}
}

// IoU returns the intersection over union of two boxes; 0 when either is empty
func IoU(a, b ai.BoundingBox) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Update runs one tracking cycle. Matched tracks take the detection's box,
// reset their age and count a hit; unmatched detections start new tracks;
// unmatched tracks age and are dropped once older than MaxAge. The result is
// in detection order.
func (t *Tracker) Update(detections []ai.Detection, at time.Time) []Tracked {
	t.mu.Lock()
	defer t.mu.Unlock()

	trackFor := make([]int, len(detections))
	for i := range trackFor {
		trackFor[i] = -1
	}
	matchedTrack := make([]bool, len(t.tracks))

	if len(t.tracks) > 0 && len(detections) > 0 {
		cost := make([][]float64, len(t.tracks))
		iou := make([][]float64, len(t.tracks))
		for i, tr := range t.tracks {
			cost[i] = make([]float64, len(detections))
			iou[i] = make([]float64, len(detections))
			for j, det := range detections {
				iou[i][j] = IoU(tr.Box, det.Box)
				cost[i][j] = 1 - iou[i][j]
			}
		}

		for i, j := range Assign(cost, 1) {
			if j < 0 || iou[i][j] < t.threshold {
				continue
			}
			trackFor[j] = i
			matchedTrack[i] = true
		}
	}

	result := make([]Tracked, len(detections))
	for j, det := range detections {
		if i := trackFor[j]; i >= 0 {
			tr := t.tracks[i]
			tr.Box = det.Box
			tr.Age = 0
			tr.Hits++
			tr.LastSeen = at
			result[j] = Tracked{Track: *tr, Detection: det}
		}
	}

	// age the tracks that were not matched, before adding new ones
	kept := t.tracks[:0]
	for i, tr := range t.tracks {
		if !matchedTrack[i] {
			tr.Age++
		}
		if tr.Age <= t.maxAge {
			kept = append(kept, tr)
		}
	}
	t.tracks = kept

	for j, det := range detections {
		if trackFor[j] >= 0 {
			continue
		}
		tr := &Track{
			ID:        t.nextID,
			Box:       det.Box,
			Hits:      1,
			FirstSeen: at,
			LastSeen:  at,
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		result[j] = Tracked{Track: *tr, Detection: det, New: true}
	}

	return result
}

// Tracks returns a snapshot of the live tracks ordered by id
func (t *Tracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Track, len(t.tracks))
	for i, tr := range t.tracks {
		out[i] = *tr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live tracks
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Reset drops all tracks. Ids keep increasing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
}
