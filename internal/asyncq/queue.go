package asyncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TimerID identifies a class of delayed operation so tests can fast-forward
// them with RunDelayedOperationsEarly.
type TimerID string

const (
	TimerAll                           TimerID = "all"
	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
	TimerIndexBackfill                 TimerID = "index_backfill"
	TimerAsyncQueueRetry               TimerID = "async_queue_retry"
)

var (
	// ErrShutdown is returned for work submitted after Shutdown.
	ErrShutdown = errors.New("asyncq: queue is shut down")

	// ErrFailed wraps the panic that stopped a queue.
	ErrFailed = errors.New("asyncq: queue failed")
)

// Op is one unit of work. ctx is cancelled when the queue shuts down.
type Op func(ctx context.Context)

// Queue runs operations one at a time, strictly in enqueue order, on a
// single goroutine. State owned by a queue needs no further locking as long
// as it is only touched from inside its operations.
//
// The pending list is unbounded: operations may enqueue further operations
// without blocking.
type Queue struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	ops     []Op
	closed  bool
	failure error
	signal  chan struct{} // buffered, size 1
	delayed map[*DelayedOperation]struct{}
	nextSeq int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the queue goroutine.
	retryOps     []func(context.Context) error
	retryBackoff *ExponentialBackoff
	isRetryable  func(error) bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithRetryPredicate decides which errors returned by retryable operations
// are transient. The default treats no error as transient.
func WithRetryPredicate(fn func(error) bool) Option {
	return func(q *Queue) { q.isRetryable = fn }
}

// New starts a queue. Call Shutdown to stop it.
func New(name string, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:        name,
		logger:      slog.Default(),
		ops:         make([]Op, 0, 64),
		signal:      make(chan struct{}, 1),
		delayed:     make(map[*DelayedOperation]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		isRetryable: func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("queue", name)
	q.retryBackoff = NewExponentialBackoff(q, TimerAsyncQueueRetry)
	go q.run()
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds op to the back of the queue.
// Returns false if the queue is shut down or failed.
func (q *Queue) Enqueue(op Op) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(op)
}

func (q *Queue) enqueueLocked(op Op) bool {
	if q.closed {
		return false
	}
	q.ops = append(q.ops, op)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) dequeue() (Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return nil, false
	}
	op := q.ops[0]
	q.ops[0] = nil
	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}
	return op, true
}

func (q *Queue) run() {
	defer close(q.done)
	defer q.cancel()
	for {
		if op, ok := q.dequeue(); ok {
			if !q.execute(op) {
				return
			}
			continue
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		<-q.signal
	}
}

func (q *Queue) execute(op Op) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrFailed, r)
			q.logger.Error("operation panicked", "error", err)
			q.mu.Lock()
			q.failure = err
			q.closed = true
			q.ops = nil
			q.mu.Unlock()
			q.cancelAllDelayed()
			ok = false
		}
	}()
	op(q.ctx)
	return true
}

// Err returns the failure that stopped the queue, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failure
}

// Call runs fn on q and waits for its result. It must not be called from
// an operation running on q itself.
func Call[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var zero T
	if !q.Enqueue(func(opCtx context.Context) {
		v, err := fn(opCtx)
		ch <- result{v, err}
	}) {
		return zero, q.closedErr()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, q.closedErr()
		}
	}
}

// Do is Call for operations without a result.
func Do(ctx context.Context, q *Queue, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, q, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Drain waits until every operation enqueued before it has run.
func (q *Queue) Drain(ctx context.Context) error {
	return Do(ctx, q, func(context.Context) error { return nil })
}

func (q *Queue) closedErr() error {
	if err := q.Err(); err != nil {
		return err
	}
	return ErrShutdown
}

// Shutdown stops accepting work, cancels pending delayed operations and
// waits for already enqueued operations to finish.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	q.cancelAllDelayed()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether the queue no longer accepts work.
func (q *Queue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// DelayedOperation is a cancellable handle for work scheduled with
// EnqueueAfterDelay.
type DelayedOperation struct {
	queue    *Queue
	id       TimerID
	target   time.Time
	seq      int64
	op       Op
	timer    *time.Timer
	finished bool // guarded by queue.mu
}

// TimerID returns the operation's timer class.
func (d *DelayedOperation) TimerID() TimerID { return d.id }

// Cancel prevents the operation from running. Safe to call from any
// goroutine and more than once.
func (d *DelayedOperation) Cancel() {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.finished {
		return
	}
	d.finished = true
	d.timer.Stop()
	delete(q.delayed, d)
}

// claim marks d as run and removes it from the pending set. Returns false
// if d was already cancelled or run.
func (d *DelayedOperation) claim() bool {
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.finished {
		return false
	}
	d.finished = true
	d.timer.Stop()
	delete(q.delayed, d)
	return true
}

// EnqueueAfterDelay schedules op to be enqueued after delay. Returns nil if
// the queue is shut down.
func (q *Queue) EnqueueAfterDelay(id TimerID, delay time.Duration, op Op) *DelayedOperation {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.nextSeq++
	d := &DelayedOperation{queue: q, id: id, target: time.Now().Add(delay), seq: q.nextSeq, op: op}
	d.timer = time.AfterFunc(delay, func() {
		q.Enqueue(func(ctx context.Context) {
			if d.claim() {
				d.op(ctx)
			}
		})
	})
	q.delayed[d] = struct{}{}
	return d
}

// ContainsDelayedOperation reports whether an operation with id is pending.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for d := range q.delayed {
		if d.id == id {
			return true
		}
	}
	return false
}

// RunDelayedOperationsEarly runs pending delayed operations in target-time
// order, up to and including the first one with lastID (or all of them for
// TimerAll), then waits for the queue to drain.
func (q *Queue) RunDelayedOperationsEarly(ctx context.Context, lastID TimerID) error {
	err := Do(ctx, q, func(opCtx context.Context) error {
		for _, d := range q.sortedDelayed() {
			if d.claim() {
				d.op(opCtx)
			}
			if lastID != TimerAll && d.id == lastID {
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return q.Drain(ctx)
}

func (q *Queue) sortedDelayed() []*DelayedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*DelayedOperation, 0, len(q.delayed))
	for d := range q.delayed {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].target.Equal(out[j].target) {
			return out[i].target.Before(out[j].target)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (q *Queue) cancelAllDelayed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for d := range q.delayed {
		d.finished = true
		d.timer.Stop()
	}
	clear(q.delayed)
}

// EnqueueRetryable adds fn to the retry queue. Retryable operations run one
// after another; an operation failing with a transient error is retried
// with exponential backoff before the next one starts. Other errors are
// logged and the operation is dropped.
func (q *Queue) EnqueueRetryable(fn func(ctx context.Context) error) bool {
	return q.Enqueue(func(ctx context.Context) {
		q.retryOps = append(q.retryOps, fn)
		if len(q.retryOps) == 1 {
			q.runRetryable(ctx)
		}
	})
}

func (q *Queue) runRetryable(ctx context.Context) {
	for len(q.retryOps) > 0 {
		err := q.retryOps[0](ctx)
		if err != nil && q.isRetryable(err) {
			q.logger.Debug("retryable operation failed, backing off", "error", err)
			q.retryBackoff.BackoffAndRun(q.runRetryable)
			return
		}
		if err != nil {
			q.logger.Error("retryable operation failed permanently", "error", err)
		}
		q.retryOps[0] = nil
		q.retryOps = q.retryOps[1:]
		q.retryBackoff.Reset()
	}
}
