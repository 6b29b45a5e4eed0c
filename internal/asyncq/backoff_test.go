package asyncq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_Growth(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, TimerListenStreamConnectionBackoff, WithJitter(func() float64 { return 0.5 }))

	var delays []time.Duration
	require.NoError(t, Do(context.Background(), q, func(context.Context) error {
		for i := 0; i < 9; i++ {
			b.BackoffAndRun(func(context.Context) {})
			delays = append(delays, b.CurrentDelay())
		}
		return nil
	}))

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i := range want {
		assert.Equal(t, want[i]*time.Second, delays[i], "attempt %d", i)
	}
}

func TestExponentialBackoff_ResetAndMax(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, TimerWriteStreamConnectionBackoff, WithDelays(100*time.Millisecond, time.Second))

	b.ResetToMax()
	assert.Equal(t, time.Second, b.CurrentDelay())
	b.Reset()
	assert.Equal(t, time.Duration(0), b.CurrentDelay())
}

func TestExponentialBackoff_FirstAttemptImmediate(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, TimerListenStreamConnectionBackoff)

	done := make(chan struct{})
	q.Enqueue(func(context.Context) {
		b.BackoffAndRun(func(context.Context) { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first attempt should not wait")
	}
}

func TestExponentialBackoff_JitterBounds(t *testing.T) {
	q := newTestQueue(t)
	for _, j := range []float64{0, 0.999} {
		b := NewExponentialBackoff(q, TimerListenStreamConnectionBackoff, WithJitter(func() float64 { return j }))
		b.current = 10 * time.Second
		d := b.jitterDelay()
		assert.LessOrEqual(t, d.Abs(), 5*time.Second)
	}
}

func TestExponentialBackoff_CancelAndSkip(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, TimerListenStreamConnectionBackoff)

	ran := 0
	require.NoError(t, Do(context.Background(), q, func(context.Context) error {
		b.current = time.Hour
		b.BackoffAndRun(func(context.Context) { ran++ })
		b.Cancel()
		b.BackoffAndRun(func(context.Context) { ran++ })
		b.SkipBackoff()
		return nil
	}))
	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, 1, ran)
	assert.False(t, q.ContainsDelayedOperation(TimerListenStreamConnectionBackoff))
}
