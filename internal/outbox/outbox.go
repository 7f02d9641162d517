// Package outbox keeps alert deliveries that a sink failed in the state
// database and retries them with a capped exponential delay.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/storeguard/internal/alerts"
	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/metrics"
	"github.com/vzahanych/storeguard/internal/service"
	"github.com/vzahanych/storeguard/internal/state"
)

// Store persists queued deliveries. Implemented by state.Manager.
type Store interface {
	EnqueueDelivery(ctx context.Context, sink string, alert state.Alert, cause string, next time.Time) (int64, error)
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]state.Delivery, error)
	RescheduleDelivery(ctx context.Context, id int64, cause string, next time.Time) error
	RemoveDelivery(ctx context.Context, id int64) error
	CountDeliveries(ctx context.Context) (int, error)
}

// Config contains the retry settings
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	MaxDelay    time.Duration
	MaxPending  int
}

// ConfigFromSettings derives the retry settings from the application config
func ConfigFromSettings(cfg config.RetryConfig) Config {
	return Config{
		Interval:    cfg.Interval,
		MaxAttempts: cfg.MaxAttempts,
		MaxDelay:    cfg.MaxDelay,
		MaxPending:  cfg.MaxPending,
	}
}

// Retrier implements alerts.Deferrer for the sinks added to it and
// redelivers their queued alerts in the background.
type Retrier struct {
	*service.ServiceBase
	cfg     Config
	store   Store
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	sinks   map[string]alerts.Sink
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// serializes batches between the loop and RetryNow
	batchMu sync.Mutex
}

var _ alerts.Deferrer = (*Retrier)(nil)

// NewRetrier creates a retrier. m may be nil.
func NewRetrier(cfg Config, store Store, m *metrics.Metrics, log *logger.Logger) *Retrier {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxDelay < cfg.RetryDelay {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}

	return &Retrier{
		ServiceBase: service.NewServiceBase("alert-outbox", log),
		cfg:         cfg,
		store:       store,
		metrics:     m,
		now:         time.Now,
		sinks:       make(map[string]alerts.Sink),
	}
}

// AddSink makes failed deliveries to s eligible for retries
func (r *Retrier) AddSink(s alerts.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name()] = s
}

func (r *Retrier) sink(name string) (alerts.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Delay returns the wait before the attempt following the given number of
// failed attempts
func (r *Retrier) Delay(attempts int) time.Duration {
	delay := r.cfg.RetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	return delay
}

// Defer queues alert for sink. Unknown sinks and a full outbox are refused.
func (r *Retrier) Defer(ctx context.Context, sink string, alert state.Alert, cause error) bool {
	if _, ok := r.sink(sink); !ok {
		return false
	}

	pending, err := r.store.CountDeliveries(ctx)
	if err != nil {
		r.LogError("Failed to count outbox", err)
		return false
	}
	if pending >= r.cfg.MaxPending {
		r.metrics.OutboxResult(sink, "dropped")
		r.LogWarn("Outbox full, dropping delivery", "sink", sink, "alert_id", alert.ID, "pending", pending)
		return false
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := r.store.EnqueueDelivery(ctx, sink, alert, msg, r.now().Add(r.Delay(1))); err != nil {
		r.LogError("Failed to queue delivery", err, "sink", sink, "alert_id", alert.ID)
		return false
	}
	r.metrics.OutboxResult(sink, "queued")
	r.metrics.OutboxPending(pending + 1)
	return true
}

// Start starts the retry loop
func (r *Retrier) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	pending, err := r.store.CountDeliveries(ctx)
	if err != nil {
		r.Fail(err)
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	r.metrics.OutboxPending(pending)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(loopCtx)
	}()

	r.Transition(service.StatusRunning)
	r.LogInfo("Alert outbox started", "pending", pending, "interval", r.cfg.Interval)
	return nil
}

// Stop stops the retry loop. Queued deliveries stay in the database.
func (r *Retrier) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.Transition(service.StatusStopped)
	r.LogInfo("Alert outbox stopped")
	return nil
}

func (r *Retrier) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RetryNow(ctx); err != nil && ctx.Err() == nil {
				r.LogError("Failed to process outbox", err)
			}
		}
	}
}

// RetryNow attempts every due delivery once and returns how many went
// through
func (r *Retrier) RetryNow(ctx context.Context) (int, error) {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	delivered := 0
	for {
		due, err := r.store.DueDeliveries(ctx, r.now(), r.cfg.BatchSize)
		if err != nil {
			return delivered, fmt.Errorf("failed to read due deliveries: %w", err)
		}
		if len(due) == 0 {
			break
		}

		for _, d := range due {
			ok, err := r.attempt(ctx, d)
			if err != nil {
				return delivered, err
			}
			if ok {
				delivered++
			}
		}
		if len(due) < r.cfg.BatchSize {
			break
		}
	}

	if pending, err := r.store.CountDeliveries(ctx); err == nil {
		r.metrics.OutboxPending(pending)
	}
	if delivered > 0 {
		r.LogDebug("Outbox deliveries sent", "count", delivered)
	}
	return delivered, nil
}

// attempt delivers d once. The returned error is a store failure; sink
// failures reschedule or drop the delivery.
func (r *Retrier) attempt(ctx context.Context, d state.Delivery) (bool, error) {
	s, ok := r.sink(d.Sink)
	if !ok {
		r.LogWarn("Dropping delivery for unknown sink", "sink", d.Sink, "alert_id", d.Alert.ID)
		r.metrics.OutboxResult(d.Sink, "dropped")
		return false, r.store.RemoveDelivery(ctx, d.ID)
	}

	err := s.Publish(ctx, d.Alert)
	if err == nil {
		r.metrics.OutboxResult(d.Sink, "delivered")
		return true, r.store.RemoveDelivery(ctx, d.ID)
	}

	attempts := d.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		r.LogWarn("Delivery exceeded max attempts, dropping",
			"sink", d.Sink,
			"alert_id", d.Alert.ID,
			"attempts", attempts,
			"error", err,
		)
		r.metrics.OutboxResult(d.Sink, "dropped")
		return false, r.store.RemoveDelivery(ctx, d.ID)
	}

	r.metrics.OutboxResult(d.Sink, "retry")
	next := r.now().Add(r.Delay(attempts))
	if serr := r.store.RescheduleDelivery(ctx, d.ID, err.Error(), next); serr != nil {
		return false, serr
	}
	return false, nil
}
