package hub

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	expected := []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, want := range expected {
		d, ok := p.NextRetryDelay(RetryContext{PreviousRetryCount: i})
		assert.True(t, ok, "attempt %d", i)
		assert.Equal(t, want, d, "attempt %d", i)
	}
}

func TestIntervalPolicyGivesUp(t *testing.T) {
	p := &IntervalPolicy{Intervals: []time.Duration{time.Second}}

	_, ok := p.NextRetryDelay(RetryContext{PreviousRetryCount: 0})
	assert.True(t, ok)
	_, ok = p.NextRetryDelay(RetryContext{PreviousRetryCount: 1})
	assert.False(t, ok)

	p = &IntervalPolicy{Intervals: []time.Duration{time.Second}, RepeatLast: true, MaxElapsed: time.Minute}
	_, ok = p.NextRetryDelay(RetryContext{PreviousRetryCount: 5, ElapsedTime: 2 * time.Minute})
	assert.False(t, ok)

	_, ok = (&IntervalPolicy{}).NextRetryDelay(RetryContext{})
	assert.False(t, ok)
}

func TestBackoffPolicyResetsPerCycle(t *testing.T) {
	p := NewBackoffPolicy(backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 2))

	for i := 0; i < 2; i++ {
		d, ok := p.NextRetryDelay(RetryContext{PreviousRetryCount: i})
		assert.True(t, ok)
		assert.Equal(t, 10*time.Millisecond, d)
	}
	_, ok := p.NextRetryDelay(RetryContext{PreviousRetryCount: 2})
	assert.False(t, ok)

	// A new cycle starts from scratch
	_, ok = p.NextRetryDelay(RetryContext{PreviousRetryCount: 0})
	assert.True(t, ok)
}

func TestExponentialPolicy(t *testing.T) {
	p := ExponentialPolicy(10*time.Millisecond, 50*time.Millisecond, 0)
	for i := 0; i < 10; i++ {
		d, ok := p.NextRetryDelay(RetryContext{PreviousRetryCount: i})
		assert.True(t, ok)
		assert.LessOrEqual(t, d, 75*time.Millisecond)
	}
}
