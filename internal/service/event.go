package service

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names what happened, as "<subject>.<verb>"
type EventType string

const (
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	EventTypeCameraRegistered EventType = "camera.registered"
	EventTypeCameraStarted    EventType = "camera.started"
	EventTypeCameraStopped    EventType = "camera.stopped"
	EventTypeCameraError      EventType = "camera.error"
	EventTypeCameraAbandoned  EventType = "camera.abandoned"

	EventTypeAlertRaised        EventType = "alert.raised"
	EventTypeIdentitiesReloaded EventType = "identities.reloaded"
	EventTypeFootfallFlushed    EventType = "footfall.flushed"
)

// Event is a notification published on the bus
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Data      map[string]interface{}
}

// subscription is one buffered channel; an empty typ receives every event
type subscription struct {
	typ EventType
	ch  chan Event
}

func (s subscription) wants(t EventType) bool {
	return s.typ == "" || s.typ == t
}

// EventBus fans events out to buffered subscriber channels. Publish never
// blocks: a subscriber whose buffer is full misses the event and the miss
// is counted.
type EventBus struct {
	mu         sync.RWMutex
	subs       []subscription
	closed     bool
	bufferSize int
	dropped    atomic.Uint64
}

// NewEventBus creates a bus whose subscriber channels hold bufferSize events
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{bufferSize: bufferSize}
}

func (eb *EventBus) add(t EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subs = append(eb.subs, subscription{typ: t, ch: ch})
	return ch
}

func (eb *EventBus) remove(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, sub := range eb.subs {
		if sub.ch == ch {
			eb.subs = slices.Delete(eb.subs, i, i+1)
			close(sub.ch)
			return
		}
	}
}

// Subscribe returns a channel receiving events of eventType
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	return eb.add(eventType)
}

// SubscribeAll returns a channel receiving every event
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.add("")
}

// Publish stamps event if needed and hands it to every matching subscriber
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was full
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Unsubscribe closes a channel returned by Subscribe
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.remove(ch)
}

// UnsubscribeAll closes a channel returned by SubscribeAll
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.remove(ch)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel and later publishes are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.ch)
	}
	eb.subs = nil
}

// EventHandler consumes one event
type EventHandler func(ctx context.Context, event Event) error

// SubscribeWithHandler runs handler for each eventType event until ctx is
// done or the bus closes. onError, if set, receives handler errors.
func (eb *EventBus) SubscribeWithHandler(ctx context.Context, eventType EventType, handler EventHandler, onError func(error)) {
	ch := eb.Subscribe(eventType)
	go func() {
		defer eb.Unsubscribe(eventType, ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, event); err != nil && onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
