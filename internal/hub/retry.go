package hub

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryIntervals is the reconnect schedule used when none is configured
var DefaultRetryIntervals = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// RetryContext describes the reconnect attempt being scheduled
type RetryContext struct {
	// Attempts already made since the connection dropped
	PreviousRetryCount int

	// Time spent reconnecting so far
	ElapsedTime time.Duration

	// Error that caused the drop or failed the last attempt
	RetryReason error
}

// RetryPolicy decides how long to wait before the next reconnect attempt.
// Returning false stops reconnecting.
type RetryPolicy interface {
	NextRetryDelay(rc RetryContext) (time.Duration, bool)
}

// IntervalPolicy walks a fixed table of delays
type IntervalPolicy struct {
	Intervals []time.Duration

	// Keep using the last interval once the table is exhausted
	RepeatLast bool

	// Give up after this much time; zero means never
	MaxElapsed time.Duration
}

// DefaultRetryPolicy returns 0s, 2s, 5s, 10s, 30s, then 30s forever
func DefaultRetryPolicy() *IntervalPolicy {
	return &IntervalPolicy{
		Intervals:  DefaultRetryIntervals,
		RepeatLast: true,
	}
}

// NextRetryDelay implements RetryPolicy
func (p *IntervalPolicy) NextRetryDelay(rc RetryContext) (time.Duration, bool) {
	if len(p.Intervals) == 0 {
		return 0, false
	}
	if p.MaxElapsed > 0 && rc.ElapsedTime >= p.MaxElapsed {
		return 0, false
	}
	if rc.PreviousRetryCount < len(p.Intervals) {
		return p.Intervals[rc.PreviousRetryCount], true
	}
	if p.RepeatLast {
		return p.Intervals[len(p.Intervals)-1], true
	}
	return 0, false
}

// BackoffPolicy adapts a backoff.BackOff to RetryPolicy. The backoff is
// reset at the start of every reconnect cycle.
type BackoffPolicy struct {
	mu sync.Mutex
	b  backoff.BackOff
}

// NewBackoffPolicy wraps b
func NewBackoffPolicy(b backoff.BackOff) *BackoffPolicy {
	return &BackoffPolicy{b: b}
}

// ExponentialPolicy returns a jittered exponential policy
func ExponentialPolicy(initial, maxInterval, maxElapsed time.Duration) *BackoffPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return NewBackoffPolicy(b)
}

// NextRetryDelay implements RetryPolicy
func (p *BackoffPolicy) NextRetryDelay(rc RetryContext) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rc.PreviousRetryCount == 0 {
		p.b.Reset()
	}
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
