// Package metrics exposes Prometheus collectors for the analytics pipeline.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storeguard"

// Metrics holds all collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	framesRead        *prometheus.CounterVec
	framesProcessed   *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	personsDetected   *prometheus.CounterVec
	activeTracks      *prometheus.GaugeVec
	stageErrors       *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	workerState       *prometheus.GaugeVec
	abandonedWorkers  *prometheus.CounterVec

	alertsRaised    *prometheus.CounterVec
	alertsDeduped   *prometheus.CounterVec
	alertSinkErrors *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	outboxResults   *prometheus.CounterVec

	flushTotal      *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	openBuckets     prometheus.Gauge
	knownIdentities prometheus.Gauge
	identityReloads *prometheus.CounterVec
}

// WorkerStates lists the values reported by the worker_state gauge
var WorkerStates = []string{"ready", "starting", "running", "error", "stopped"}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a new registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.framesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_read_total",
		Help:      "Frames read from camera sources",
	}, []string{"camera"})
	m.framesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_processed_total",
		Help:      "Frames run through detection",
	}, []string{"camera"})
	m.framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames evicted from full buffers",
	}, []string{"camera"})
	m.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_reconnects_total",
		Help:      "Failed source opens or reads followed by a reconnect",
	}, []string{"camera"})
	m.personsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persons_detected_total",
		Help:      "Person detections",
	}, []string{"camera"})
	m.activeTracks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tracks",
		Help:      "Live tracks per camera",
	}, []string{"camera"})
	m.stageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_errors_total",
		Help:      "Model or sink faults per pipeline stage",
	}, []string{"camera", "stage"}) // stage: detect, pose, embed, snapshot, persist
	m.processingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_processing_seconds",
		Help:      "Time spent analysing one frame",
		Buckets:   prometheus.DefBuckets,
	}, []string{"camera"})
	m.workerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_state",
		Help:      "1 for the current state of each camera worker",
	}, []string{"camera", "state"})
	m.abandonedWorkers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "abandoned_workers_total",
		Help:      "Workers that did not stop within the join timeout",
	}, []string{"camera"})

	m.alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_raised_total",
		Help:      "Alerts raised",
	}, []string{"camera", "type"})
	m.alertsDeduped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_deduplicated_total",
		Help:      "Alerts suppressed by the dedup window",
	}, []string{"camera", "type"})
	m.alertSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_sink_errors_total",
		Help:      "Alert fan-out failures",
	}, []string{"sink"})
	m.outboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_outbox_pending",
		Help:      "Alert deliveries waiting for a retry",
	})
	m.outboxResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_outbox_deliveries_total",
		Help:      "Outbox delivery attempts by sink and result",
	}, []string{"sink", "result"})

	m.flushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_flushes_total",
		Help:      "Aggregation flush attempts by result",
	}, []string{"result"})
	m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_flush_seconds",
		Help:      "Duration of aggregation flushes",
		Buckets:   prometheus.DefBuckets,
	})
	m.openBuckets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "aggregation_open_buckets",
		Help:      "Hourly buckets held in memory",
	})
	m.knownIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "known_identities",
		Help:      "Identities in the active registry snapshot",
	})
	m.identityReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "identity_reloads_total",
		Help:      "Identity registry reloads by result",
	}, []string{"result"})

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesRead, m.framesProcessed, m.framesDropped, m.reconnects,
		m.personsDetected, m.activeTracks, m.stageErrors, m.processingSeconds,
		m.workerState, m.abandonedWorkers,
		m.alertsRaised, m.alertsDeduped, m.alertSinkErrors,
		m.outboxPending, m.outboxResults,
		m.flushTotal, m.flushDuration, m.openBuckets,
		m.knownIdentities, m.identityReloads,
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// FrameRead counts a frame read from a source
func (m *Metrics) FrameRead(camera string) {
	if m == nil {
		return
	}
	m.framesRead.WithLabelValues(camera).Inc()
}

// FrameProcessed records a processed frame and how long it took
func (m *Metrics) FrameProcessed(camera string, d time.Duration) {
	if m == nil {
		return
	}
	m.framesProcessed.WithLabelValues(camera).Inc()
	m.processingSeconds.WithLabelValues(camera).Observe(d.Seconds())
}

// FrameDropped counts a frame evicted from a full buffer
func (m *Metrics) FrameDropped(camera string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(camera).Inc()
}

// Reconnect counts a source failure that triggers a reconnect
func (m *Metrics) Reconnect(camera string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(camera).Inc()
}

// PersonsDetected adds n detections
func (m *Metrics) PersonsDetected(camera string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.personsDetected.WithLabelValues(camera).Add(float64(n))
}

// ActiveTracks sets the live track count
func (m *Metrics) ActiveTracks(camera string, n int) {
	if m == nil {
		return
	}
	m.activeTracks.WithLabelValues(camera).Set(float64(n))
}

// StageError counts a model or sink fault
func (m *Metrics) StageError(camera, stage string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(camera, stage).Inc()
}

// WorkerState marks state as the current state of a camera worker
func (m *Metrics) WorkerState(camera, state string) {
	if m == nil {
		return
	}
	for _, s := range WorkerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.workerState.WithLabelValues(camera, s).Set(v)
	}
}

// WorkerAbandoned counts a worker that did not stop in time
func (m *Metrics) WorkerAbandoned(camera string) {
	if m == nil {
		return
	}
	m.abandonedWorkers.WithLabelValues(camera).Inc()
}

// AlertRaised counts an alert
func (m *Metrics) AlertRaised(camera, alertType string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(camera, alertType).Inc()
}

// AlertDeduplicated counts an alert suppressed as a duplicate
func (m *Metrics) AlertDeduplicated(camera, alertType string) {
	if m == nil {
		return
	}
	m.alertsDeduped.WithLabelValues(camera, alertType).Inc()
}

// AlertSinkError counts a fan-out failure
func (m *Metrics) AlertSinkError(sink string) {
	if m == nil {
		return
	}
	m.alertSinkErrors.WithLabelValues(sink).Inc()
}

// OutboxPending sets the number of queued deliveries
func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// OutboxResult counts a delivery attempt. result is one of queued,
// delivered, retry or dropped.
func (m *Metrics) OutboxResult(sink, result string) {
	if m == nil {
		return
	}
	m.outboxResults.WithLabelValues(sink, result).Inc()
}

// Flush records an aggregation flush
func (m *Metrics) Flush(d time.Duration, err error, openBuckets int) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.flushTotal.WithLabelValues(result).Inc()
	m.flushDuration.Observe(d.Seconds())
	m.openBuckets.Set(float64(openBuckets))
}

// IdentityReload records a registry reload
func (m *Metrics) IdentityReload(identities int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.identityReloads.WithLabelValues("error").Inc()
		return
	}
	m.identityReloads.WithLabelValues("success").Inc()
	m.knownIdentities.Set(float64(identities))
}
