package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/asyncq"
)

func newQueue(t *testing.T) *asyncq.Queue {
	t.Helper()
	q := asyncq.New(t.Name())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func onQueue(t *testing.T, q *asyncq.Queue, fn func(ctx context.Context)) {
	t.Helper()
	require.NoError(t, asyncq.Do(context.Background(), q, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}

func newTestTracker(t *testing.T) (*asyncq.Queue, *OnlineStateTracker, *[]OnlineState) {
	q := newQueue(t)
	var states []OnlineState
	tracker := NewOnlineStateTracker(q, time.Hour, 0, nil, func(_ context.Context, s OnlineState) {
		states = append(states, s)
	})
	return q, tracker, &states
}

func TestOnlineState_TimeoutGoesOffline(t *testing.T) {
	q, tracker, states := newTestTracker(t)

	onQueue(t, q, tracker.HandleWatchStreamStart)
	assert.True(t, q.ContainsDelayedOperation(asyncq.TimerOnlineStateTimeout))

	require.NoError(t, q.RunDelayedOperationsEarly(context.Background(), asyncq.TimerOnlineStateTimeout))
	onQueue(t, q, func(context.Context) {
		assert.Equal(t, Offline, tracker.State())
	})
	assert.Equal(t, []OnlineState{Offline}, *states)
}

func TestOnlineState_FailureGoesOfflineAndCancelsTimer(t *testing.T) {
	q, tracker, states := newTestTracker(t)

	onQueue(t, q, func(ctx context.Context) {
		tracker.HandleWatchStreamStart(ctx)
		tracker.HandleWatchStreamFailure(ctx, errors.New("unavailable"))
	})
	assert.False(t, q.ContainsDelayedOperation(asyncq.TimerOnlineStateTimeout))
	assert.Equal(t, []OnlineState{Offline}, *states)
}

func TestOnlineState_FailureThreshold(t *testing.T) {
	q := newQueue(t)
	var states []OnlineState
	tracker := NewOnlineStateTracker(q, time.Hour, 3, nil, func(_ context.Context, s OnlineState) {
		states = append(states, s)
	})

	onQueue(t, q, func(ctx context.Context) {
		tracker.HandleWatchStreamStart(ctx)
		tracker.HandleWatchStreamFailure(ctx, errors.New("unavailable"))
		tracker.HandleWatchStreamFailure(ctx, errors.New("unavailable"))
		assert.Equal(t, OnlineUnknown, tracker.State())
	})
	assert.True(t, q.ContainsDelayedOperation(asyncq.TimerOnlineStateTimeout))
	assert.Empty(t, states)

	onQueue(t, q, func(ctx context.Context) {
		tracker.HandleWatchStreamFailure(ctx, errors.New("unavailable"))
	})
	assert.False(t, q.ContainsDelayedOperation(asyncq.TimerOnlineStateTimeout))
	assert.Equal(t, []OnlineState{Offline}, states)
}

func TestOnlineState_OnlineThenFailureIsUnknown(t *testing.T) {
	q, tracker, states := newTestTracker(t)

	onQueue(t, q, func(ctx context.Context) {
		tracker.HandleWatchStreamStart(ctx)
		tracker.Set(ctx, Online)
		tracker.HandleWatchStreamFailure(ctx, errors.New("reset"))
	})
	assert.Equal(t, []OnlineState{Online, OnlineUnknown}, *states)
	assert.False(t, q.ContainsDelayedOperation(asyncq.TimerOnlineStateTimeout))
}

func TestOnlineState_SetDeduplicates(t *testing.T) {
	q, tracker, states := newTestTracker(t)

	onQueue(t, q, func(ctx context.Context) {
		tracker.Set(ctx, Offline)
		tracker.Set(ctx, Offline)
		tracker.Set(ctx, OnlineUnknown)
	})
	assert.Equal(t, []OnlineState{Offline, OnlineUnknown}, *states)
}
