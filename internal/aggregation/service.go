package aggregation

import (
	"context"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/service"
)

// DefaultFlushInterval is how often buckets are written to the sink
const DefaultFlushInterval = 300 * time.Second

// FlushService periodically flushes a Store and flushes once more on stop
type FlushService struct {
	*service.ServiceBase

	store    *Store
	sink     Sink
	interval time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlushService creates a flush service for store
func NewFlushService(store *Store, sink Sink, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *FlushService {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &FlushService{
		ServiceBase: service.NewServiceBase("aggregation", log),
		store:       store,
		sink:        sink,
		interval:    interval,
		metrics:     m,
	}
}

// Start begins the flush loop
func (s *FlushService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)

	s.LogInfo("Aggregation flush loop started", "interval", s.interval)
	return nil
}

func (s *FlushService) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.FlushNow(ctx)
		}
	}
}

// Stop ends the loop and performs a final flush with ctx
func (s *FlushService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := s.FlushNow(ctx)
	return err
}

// FlushNow flushes the store immediately
func (s *FlushService) FlushNow(ctx context.Context) (FlushResult, error) {
	start := time.Now()
	result, err := s.store.Flush(ctx, s.sink)
	s.metrics.Flush(time.Since(start), err, len(s.store.Snapshot()))

	if err != nil {
		s.LogError("Aggregation flush failed", err,
			"flushed", result.Buckets,
			"failed", result.Failed,
		)
	} else {
		s.LogDebug("Aggregation flushed", "buckets", result.Buckets, "dropped", result.Dropped)
	}

	s.PublishEvent(service.EventTypeFootfallFlushed, map[string]interface{}{
		"buckets": result.Buckets,
		"failed":  result.Failed,
		"dropped": result.Dropped,
	})
	return result, err
}

// Store returns the underlying store
func (s *FlushService) Store() *Store {
	return s.store
}
