package video

import "time"

// Backoff computes capped exponential reconnect delays
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
	failures   int
}

// NewBackoff creates a backoff starting at initial, growing by multiplier per
// failure and capped at max.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &Backoff{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		next:       initial,
	}
}

// Next records a failure and returns the delay to wait before retrying
func (b *Backoff) Next() time.Duration {
	delay := b.next
	b.failures++

	grown := time.Duration(float64(b.next) * b.multiplier)
	if grown > b.max {
		grown = b.max
	}
	b.next = grown

	return delay
}

// Peek returns the delay the next failure would produce
func (b *Backoff) Peek() time.Duration {
	return b.next
}

// Reset is called after a successful read
func (b *Backoff) Reset() {
	b.next = b.initial
	b.failures = 0
}

// Failures returns consecutive failures since the last reset
func (b *Backoff) Failures() int {
	return b.failures
}
