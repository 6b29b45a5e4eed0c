package asyncq

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffInitialDelay = time.Second
	DefaultBackoffMaxDelay     = 60 * time.Second
	DefaultBackoffFactor       = 2.0
)

// ExponentialBackoff schedules retries on a Queue with a delay that grows by
// Factor per attempt, capped at MaxDelay, with ±50% jitter. Time already
// spent since the previous attempt counts toward the next delay.
//
// An ExponentialBackoff must only be used from operations running on its
// queue.
type ExponentialBackoff struct {
	queue   *Queue
	timerID TimerID

	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64

	current     time.Duration
	lastAttempt time.Time
	timer       *DelayedOperation

	now    func() time.Time
	jitter func() float64 // returns a value in [0, 1)
}

// BackoffOption configures an ExponentialBackoff.
type BackoffOption func(*ExponentialBackoff)

// WithDelays overrides the initial and maximum delays.
func WithDelays(initial, max time.Duration) BackoffOption {
	return func(b *ExponentialBackoff) {
		b.initialDelay = initial
		b.maxDelay = max
	}
}

// WithFactor overrides the growth factor.
func WithFactor(f float64) BackoffOption {
	return func(b *ExponentialBackoff) { b.factor = f }
}

// WithJitter replaces the random source. fn must return values in [0, 1);
// 0.5 means no jitter.
func WithJitter(fn func() float64) BackoffOption {
	return func(b *ExponentialBackoff) { b.jitter = fn }
}

// NewExponentialBackoff creates a backoff whose timers are tagged timerID.
func NewExponentialBackoff(q *Queue, timerID TimerID, opts ...BackoffOption) *ExponentialBackoff {
	b := &ExponentialBackoff{
		queue:        q,
		timerID:      timerID,
		initialDelay: DefaultBackoffInitialDelay,
		maxDelay:     DefaultBackoffMaxDelay,
		factor:       DefaultBackoffFactor,
		now:          time.Now,
		jitter:       rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastAttempt = b.now()
	return b
}

// Reset makes the next attempt run immediately.
func (b *ExponentialBackoff) Reset() {
	b.current = 0
}

// ResetToMax makes the next attempt wait the maximum delay.
func (b *ExponentialBackoff) ResetToMax() {
	b.current = b.maxDelay
}

// CurrentDelay returns the base delay of the next attempt.
func (b *ExponentialBackoff) CurrentDelay() time.Duration {
	return b.current
}

// BackoffAndRun cancels any pending attempt and schedules op after the
// current delay, then grows the delay.
func (b *ExponentialBackoff) BackoffAndRun(op Op) {
	b.Cancel()

	desired := b.current + b.jitterDelay()
	remaining := max(0, desired-b.now().Sub(b.lastAttempt))
	if b.current > 0 {
		b.queue.logger.Debug("backing off",
			"timer", string(b.timerID),
			"delay", remaining,
			"base", b.current,
			"jittered", desired,
		)
	}

	b.timer = b.queue.EnqueueAfterDelay(b.timerID, remaining, func(ctx context.Context) {
		b.lastAttempt = b.now()
		op(ctx)
	})

	b.current = time.Duration(float64(b.current) * b.factor)
	if b.current < b.initialDelay {
		b.current = b.initialDelay
	}
	if b.current > b.maxDelay {
		b.current = b.maxDelay
	}
}

// SkipBackoff runs a pending attempt now, if any.
func (b *ExponentialBackoff) SkipBackoff() {
	if b.timer == nil {
		return
	}
	d := b.timer
	b.timer = nil
	if d.claim() {
		b.queue.Enqueue(d.op)
	}
}

// Cancel drops a pending attempt.
func (b *ExponentialBackoff) Cancel() {
	if b.timer != nil {
		b.timer.Cancel()
		b.timer = nil
	}
}

func (b *ExponentialBackoff) jitterDelay() time.Duration {
	return time.Duration((b.jitter() - 0.5) * float64(b.current))
}
