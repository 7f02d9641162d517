package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recording(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m.FrameRead("A")
	m.FrameRead("A")
	m.FrameProcessed("A", 20*time.Millisecond)
	m.AlertRaised("A", "loitering")
	m.WorkerState("A", "running")
	m.Flush(time.Millisecond, errors.New("db down"), 3)

	if got := testutil.ToFloat64(m.framesRead.WithLabelValues("A")); got != 2 {
		t.Errorf("Expected 2 frames read, got %v", got)
	}
	if got := testutil.ToFloat64(m.alertsRaised.WithLabelValues("A", "loitering")); got != 1 {
		t.Errorf("Expected 1 alert, got %v", got)
	}
	if got := testutil.ToFloat64(m.workerState.WithLabelValues("A", "running")); got != 1 {
		t.Errorf("Expected running=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.workerState.WithLabelValues("A", "stopped")); got != 0 {
		t.Errorf("Expected stopped=0, got %v", got)
	}
	if got := testutil.ToFloat64(m.flushTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("Expected 1 failed flush, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.FrameRead("A")
	m.StageError("A", "detect")
	m.IdentityReload(3, nil)
	m.WorkerAbandoned("A")
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.PersonsDetected("A", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `storeguard_persons_detected_total{camera="A"} 3`) {
		t.Errorf("Metric missing from exposition:\n%s", body)
	}
}
