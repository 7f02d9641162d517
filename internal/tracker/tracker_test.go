package tracker

import (
	"math"
	"testing"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
)

func box(x1, y1, x2, y2 float64) ai.BoundingBox {
	return ai.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2, Confidence: 0.9, ClassName: "person"}
}

func det(b ai.BoundingBox) ai.Detection {
	return ai.Detection{Box: b, Confidence: b.Confidence, Class: "person"}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b ai.BoundingBox
		want float64
	}{
		{"identical", box(0, 0, 10, 10), box(0, 0, 10, 10), 1},
		{"disjoint", box(0, 0, 10, 10), box(20, 20, 30, 30), 0},
		{"touching", box(0, 0, 10, 10), box(10, 0, 20, 10), 0},
		{"half overlap", box(0, 0, 10, 10), box(5, 0, 15, 10), 50.0 / 150.0},
		{"contained", box(0, 0, 10, 10), box(0, 0, 10, 3), 0.3},
		{"degenerate", box(0, 0, 0, 0), box(0, 0, 10, 10), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAssign(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	got := Assign(cost, 1)
	want := []int{1, 0, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestAssign_Rectangular(t *testing.T) {
	// more rows than columns: one row stays unassigned
	got := Assign([][]float64{{0.1}, {0.9}, {0.5}}, 1)
	if got[0] != 0 || got[1] != -1 || got[2] != -1 {
		t.Errorf("Unexpected assignment %v", got)
	}

	// more columns than rows
	got = Assign([][]float64{{0.9, 0.8, 0.1}}, 1)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Unexpected assignment %v", got)
	}

	if Assign(nil, 1) != nil {
		t.Error("Empty matrix should yield nil")
	}
}

func TestAssign_PrefersGlobalOptimum(t *testing.T) {
	// greedy would pair row 0 with col 0 (0.1) and force row 1 onto col 1 (0.95)
	cost := [][]float64{
		{0.1, 0.2},
		{0.15, 0.95},
	}
	got := Assign(cost, 1)
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("Expected [1 0], got %v", got)
	}
}

func TestTracker_KeepsIdentityAcrossFrames(t *testing.T) {
	tr := New(Config{IoUThreshold: 0.3, MaxAge: 30})
	now := time.Now()

	first := tr.Update([]ai.Detection{det(box(0, 0, 50, 100))}, now)
	if len(first) != 1 || !first[0].New || first[0].Track.ID != 1 {
		t.Fatalf("Unexpected first cycle %+v", first)
	}

	for i := 1; i <= 5; i++ {
		out := tr.Update([]ai.Detection{det(box(float64(i*5), 0, float64(50+i*5), 100))}, now.Add(time.Duration(i)*time.Second))
		if out[0].Track.ID != 1 || out[0].New {
			t.Fatalf("cycle %d: expected track 1, got %+v", i, out[0])
		}
		if out[0].Track.Hits != i+1 || out[0].Track.Age != 0 {
			t.Errorf("cycle %d: unexpected hits/age %+v", i, out[0].Track)
		}
	}
}

func TestTracker_ThresholdInclusive(t *testing.T) {
	tr := New(Config{IoUThreshold: 0.3, MaxAge: 30})
	now := time.Now()
	tr.Update([]ai.Detection{det(box(0, 0, 10, 10))}, now)

	out := tr.Update([]ai.Detection{det(box(0, 0, 10, 3))}, now)
	if out[0].New || out[0].Track.ID != 1 {
		t.Errorf("IoU exactly at threshold should match, got %+v", out[0])
	}

	tr2 := New(Config{IoUThreshold: 0.3, MaxAge: 30})
	tr2.Update([]ai.Detection{det(box(0, 0, 10, 10))}, now)
	out = tr2.Update([]ai.Detection{det(box(0, 0, 10, 2.9))}, now)
	if !out[0].New || out[0].Track.ID != 2 {
		t.Errorf("IoU below threshold should start a new track, got %+v", out[0])
	}
	if tr2.Len() != 2 {
		t.Errorf("Expected old track to age rather than vanish, got %d tracks", tr2.Len())
	}
}

func TestTracker_ThresholdWithTwoStableTracks(t *testing.T) {
	now := time.Now()
	left, right := box(0, 0, 10, 10), box(40, 0, 50, 10)

	for run := 0; run < 10; run++ {
		tr := New(Config{IoUThreshold: 0.3, MaxAge: 30})
		for i := 0; i < 3; i++ {
			tr.Update([]ai.Detection{det(left), det(right)}, now)
		}

		// IoU with the left track is exactly 0.3, zero with the right one
		out := tr.Update([]ai.Detection{det(box(0, 0, 10, 3))}, now)
		if len(out) != 1 || out[0].New || out[0].Track.ID != 1 {
			t.Fatalf("run %d: expected detection on track 1, got %+v", run, out)
		}

		tracks := tr.Tracks()
		if len(tracks) != 2 {
			t.Fatalf("run %d: expected 2 tracks, got %+v", run, tracks)
		}
		if tracks[0].Hits != 4 || tracks[0].Age != 0 {
			t.Errorf("run %d: matched track has hits/age %d/%d", run, tracks[0].Hits, tracks[0].Age)
		}
		if tracks[1].ID != 2 || tracks[1].Hits != 3 || tracks[1].Age != 1 {
			t.Errorf("run %d: unmatched track should age, got %+v", run, tracks[1])
		}
	}
}

func TestTracker_MaxAge(t *testing.T) {
	tr := New(Config{IoUThreshold: 0.3, MaxAge: 30})
	now := time.Now()
	tr.Update([]ai.Detection{det(box(0, 0, 10, 10))}, now)

	for i := 0; i < 30; i++ {
		tr.Update(nil, now)
	}
	tracks := tr.Tracks()
	if len(tracks) != 1 || tracks[0].Age != 30 {
		t.Fatalf("Track should survive 30 empty cycles, got %+v", tracks)
	}

	tr.Update(nil, now)
	if tr.Len() != 0 {
		t.Errorf("Track should be removed after 31 empty cycles, got %d", tr.Len())
	}
}

func TestTracker_IDsNeverReused(t *testing.T) {
	tr := New(Config{IoUThreshold: 0.3, MaxAge: 0})
	now := time.Now()

	seen := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		// alternating far-apart positions never overlap
		x := float64((i % 2) * 500)
		out := tr.Update([]ai.Detection{det(box(x, 0, x+10, 10))}, now)
		id := out[0].Track.ID
		if seen[id] {
			t.Fatalf("id %d reused", id)
		}
		seen[id] = true
	}
}

func TestTracker_TwoPeople(t *testing.T) {
	tr := New(Config{IoUThreshold: 0.3, MaxAge: 30})
	now := time.Now()

	tr.Update([]ai.Detection{det(box(0, 0, 50, 100)), det(box(200, 0, 250, 100))}, now)
	// detections arrive in swapped order
	out := tr.Update([]ai.Detection{det(box(205, 0, 255, 100)), det(box(5, 0, 55, 100))}, now)

	if out[0].Track.ID != 2 || out[1].Track.ID != 1 {
		t.Errorf("Expected ids [2 1], got [%d %d]", out[0].Track.ID, out[1].Track.ID)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := New(Config{})
	now := time.Now()
	tr.Update([]ai.Detection{det(box(0, 0, 10, 10))}, now)
	tr.Reset()

	out := tr.Update([]ai.Detection{det(box(0, 0, 10, 10))}, now)
	if out[0].Track.ID != 2 {
		t.Errorf("Ids must keep increasing after reset, got %d", out[0].Track.ID)
	}
}
