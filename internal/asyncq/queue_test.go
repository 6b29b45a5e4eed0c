package asyncq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q := New(t.Name(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func TestQueue_FIFO(t *testing.T) {
	q := newTestQueue(t)

	var got []int
	for i := 1; i <= 100; i++ {
		require.True(t, q.Enqueue(func(context.Context) { got = append(got, i) }))
	}
	require.NoError(t, q.Drain(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i+1, v)
	}
}

func TestQueue_OperationsCanEnqueue(t *testing.T) {
	q := newTestQueue(t)

	var got []string
	q.Enqueue(func(context.Context) {
		got = append(got, "a")
		q.Enqueue(func(context.Context) { got = append(got, "c") })
	})
	q.Enqueue(func(context.Context) { got = append(got, "b") })
	require.NoError(t, q.Drain(context.Background()))
	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCall_ReturnsResult(t *testing.T) {
	q := newTestQueue(t)

	v, err := Call(context.Background(), q, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = Call(context.Background(), q, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestCall_ConcurrentCallersSerialized(t *testing.T) {
	q := newTestQueue(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Do(context.Background(), q, func(context.Context) error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestCall_ContextCancelled(t *testing.T) {
	q := newTestQueue(t)
	release := make(chan struct{})
	q.Enqueue(func(context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, q, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ShutdownRejectsNewWork(t *testing.T) {
	q := New("shutdown")

	ran := false
	q.Enqueue(func(context.Context) { ran = true })
	require.NoError(t, q.Shutdown(context.Background()))

	assert.True(t, ran, "work enqueued before shutdown still runs")
	assert.True(t, q.IsShutdown())
	assert.False(t, q.Enqueue(func(context.Context) {}))
	assert.ErrorIs(t, q.Drain(context.Background()), ErrShutdown)
	assert.Nil(t, q.EnqueueAfterDelay(TimerGarbageCollection, time.Millisecond, func(context.Context) {}))
}

func TestQueue_PanicFailsQueue(t *testing.T) {
	q := New("panics")

	err := Do(context.Background(), q, func(context.Context) error { panic("kaboom") })
	require.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, q.Err(), ErrFailed)
	assert.False(t, q.Enqueue(func(context.Context) {}))
}

func TestDelayedOperation_RunsAfterDelay(t *testing.T) {
	q := newTestQueue(t)

	done := make(chan struct{})
	q.EnqueueAfterDelay(TimerGarbageCollection, 5*time.Millisecond, func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delayed operation did not run")
	}
	require.NoError(t, q.Drain(context.Background()))
	assert.False(t, q.ContainsDelayedOperation(TimerGarbageCollection))
}

func TestDelayedOperation_Cancel(t *testing.T) {
	q := newTestQueue(t)

	ran := false
	d := q.EnqueueAfterDelay(TimerWriteStreamIdle, time.Hour, func(context.Context) { ran = true })
	require.True(t, q.ContainsDelayedOperation(TimerWriteStreamIdle))

	d.Cancel()
	d.Cancel()
	assert.False(t, q.ContainsDelayedOperation(TimerWriteStreamIdle))

	require.NoError(t, q.RunDelayedOperationsEarly(context.Background(), TimerAll))
	assert.False(t, ran)
}

func TestRunDelayedOperationsEarly_StopsAtTimer(t *testing.T) {
	q := newTestQueue(t)

	var got []TimerID
	record := func(id TimerID) Op {
		return func(context.Context) { got = append(got, id) }
	}
	q.EnqueueAfterDelay(TimerListenStreamIdle, time.Hour, record(TimerListenStreamIdle))
	q.EnqueueAfterDelay(TimerOnlineStateTimeout, 2*time.Hour, record(TimerOnlineStateTimeout))
	q.EnqueueAfterDelay(TimerGarbageCollection, 3*time.Hour, record(TimerGarbageCollection))

	require.NoError(t, q.RunDelayedOperationsEarly(context.Background(), TimerOnlineStateTimeout))
	assert.Equal(t, []TimerID{TimerListenStreamIdle, TimerOnlineStateTimeout}, got)
	assert.True(t, q.ContainsDelayedOperation(TimerGarbageCollection))

	require.NoError(t, q.RunDelayedOperationsEarly(context.Background(), TimerAll))
	assert.Equal(t, []TimerID{TimerListenStreamIdle, TimerOnlineStateTimeout, TimerGarbageCollection}, got)
}

func TestEnqueueRetryable_RetriesTransientFailures(t *testing.T) {
	transient := errors.New("transient")
	q := newTestQueue(t, WithRetryPredicate(func(err error) bool { return errors.Is(err, transient) }))

	attempts := 0
	var order []string
	q.EnqueueRetryable(func(context.Context) error {
		attempts++
		order = append(order, "first")
		if attempts < 3 {
			return transient
		}
		return nil
	})
	q.EnqueueRetryable(func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_ = q.RunDelayedOperationsEarly(ctx, TimerAll)
		n, _ := Call(ctx, q, func(context.Context) (int, error) { return len(order), nil })
		return n == 4
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"first", "first", "first", "second"}, order)
	assert.False(t, q.ContainsDelayedOperation(TimerAsyncQueueRetry))
}

func TestEnqueueRetryable_DropsPermanentFailures(t *testing.T) {
	q := newTestQueue(t)

	var order []string
	q.EnqueueRetryable(func(context.Context) error {
		order = append(order, "fails")
		return errors.New("permanent")
	})
	q.EnqueueRetryable(func(context.Context) error {
		order = append(order, "next")
		return nil
	})
	require.NoError(t, q.Drain(context.Background()))

	assert.Equal(t, []string{"fails", "next"}, order)
}
