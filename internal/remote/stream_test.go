package remote_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
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

// streamRecorder implements both stream handler interfaces.
type streamRecorder struct {
	mu         sync.Mutex
	opens      int
	closes     []error
	changes    []remote.WatchChange
	handshakes int
	results    []model.SnapshotVersion
}

func (r *streamRecorder) OnWatchStreamOpen(context.Context) { r.open() }
func (r *streamRecorder) OnWriteStreamOpen(context.Context) { r.open() }

func (r *streamRecorder) open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
}

func (r *streamRecorder) OnWatchStreamClose(_ context.Context, err error) { r.close(err) }
func (r *streamRecorder) OnWriteStreamClose(_ context.Context, err error) { r.close(err) }

func (r *streamRecorder) close(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, err)
}

func (r *streamRecorder) OnWatchStreamChange(_ context.Context, c remote.WatchChange, _ model.SnapshotVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *streamRecorder) OnWriteHandshakeComplete(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes++
}

func (r *streamRecorder) OnMutationResult(_ context.Context, v model.SnapshotVersion, _ []model.MutationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, v)
	return nil
}

func (r *streamRecorder) snapshot() (opens int, closes []error, changes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, append([]error(nil), r.closes...), len(r.changes)
}

func awaitCloses(t *testing.T, rec *streamRecorder, n int) []error {
	t.Helper()
	var closes []error
	require.Eventually(t, func() bool {
		_, closes, _ = rec.snapshot()
		return len(closes) >= n
	}, 2*time.Second, time.Millisecond)
	return closes
}

func TestStream_StartEntersAuth(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, func(ctx context.Context) {
		ws.Start(ctx)
		// Credentials and the transport resolve on later queue turns.
		assert.Equal(t, remote.StreamAuth, ws.State())
		assert.Equal(t, "auth", ws.State().String())
		assert.True(t, ws.IsStarted())
		assert.False(t, ws.IsOpen())
	})
	conn.AwaitStream(t, remote.KindListen, nil)
	require.Eventually(t, func() bool { o, _, _ := rec.snapshot(); return o == 1 }, time.Second, time.Millisecond)
	onQueue(t, q, func(context.Context) { assert.Equal(t, remote.StreamOpen, ws.State()) })
}

func TestWatchStream_SendsTargetAndDeliversChanges(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, ws.Start)
	mock := conn.AwaitStream(t, remote.KindListen, nil)
	require.Eventually(t, func() bool { o, _, _ := rec.snapshot(); return o == 1 }, time.Second, time.Millisecond)

	td := query.NewTargetData(testutil.Query("rooms").Target(), 2, query.PurposeListen, 1).
		WithResumeToken([]byte("resume"), testutil.Version(10)).
		WithExpectedCount(3)
	onQueue(t, q, func(context.Context) {
		assert.Equal(t, remote.StreamOpen, ws.State())
		require.NoError(t, ws.Watch(&td))
	})

	sent := mock.AwaitSent(t, 1)
	req := sent[0].(*remote.ListenRequest)
	require.NotNil(t, req.AddTarget)
	assert.Equal(t, model.TargetID(2), req.AddTarget.TargetID)
	assert.Equal(t, []byte("resume"), req.AddTarget.ResumeToken)
	assert.True(t, req.AddTarget.ReadTime.IsMin())
	require.NotNil(t, req.AddTarget.ExpectedCount)
	assert.Equal(t, int32(3), *req.AddTarget.ExpectedCount)
	assert.Nil(t, req.Labels)

	mock.DeliverChange(remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []model.TargetID{2}})
	require.Eventually(t, func() bool { _, _, n := rec.snapshot(); return n == 1 }, time.Second, time.Millisecond)
}

func TestWatchStream_LimboTargetCarriesLabel(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, ws.Start)
	mock := conn.AwaitStream(t, remote.KindListen, nil)
	require.Eventually(t, func() bool { o, _, _ := rec.snapshot(); return o == 1 }, time.Second, time.Millisecond)

	td := query.NewTargetData(query.DocumentQuery(testutil.Key("rooms/a")).Target(), 1, query.PurposeLimboResolution, 1)
	onQueue(t, q, func(context.Context) { require.NoError(t, ws.Watch(&td)) })
	req := mock.AwaitSent(t, 1)[0].(*remote.ListenRequest)
	assert.Equal(t, map[string]string{"goog-listen-tags": "limbo-resolution"}, req.Labels)
	assert.Nil(t, req.AddTarget.ExpectedCount)
}

func TestStream_UnauthenticatedInvalidatesCredentials(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	auth := testutil.NewFakeCredentials(remote.User{UID: "alice"})
	appCheck := testutil.NewFakeCredentials(remote.User{UID: "app"})
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, auth, appCheck, remote.StreamOptions{}, nil, rec)

	conn.FailNextOpen(remote.KindListen, remote.Errorf(remote.CodeUnauthenticated, "token expired"))
	onQueue(t, q, ws.Start)

	closes := awaitCloses(t, rec, 1)
	assert.True(t, remote.IsUnauthenticated(closes[0]))
	assert.Equal(t, 1, auth.Invalidations())
	assert.Equal(t, 1, appCheck.Invalidations())
	onQueue(t, q, func(context.Context) { assert.Equal(t, remote.StreamError, ws.State()) })

	onQueue(t, q, ws.Start)
	conn.AwaitStream(t, remote.KindListen, nil)

	tokens := conn.Tokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, "alice-token-0", tokens[0].Value)
	assert.Equal(t, "alice-token-1", tokens[1].Value)
}

func TestStream_ResourceExhaustedUsesMaxBackoff(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	opts := remote.StreamOptions{BackoffInitialDelay: time.Second, BackoffMaxDelay: 30 * time.Second}
	ws := remote.NewWatchStream(q, conn, nil, nil, opts, nil, rec)

	onQueue(t, q, ws.Start)
	mock := conn.AwaitStream(t, remote.KindListen, nil)
	mock.Fail(remote.Errorf(remote.CodeResourceExhausted, "quota"))

	awaitCloses(t, rec, 1)
	onQueue(t, q, func(ctx context.Context) {
		assert.Equal(t, 30*time.Second, ws.BackoffDelay())
		ws.Start(ctx)
		assert.Equal(t, remote.StreamBackoff, ws.State())
		assert.True(t, ws.IsStarted())
	})
	assert.True(t, q.ContainsDelayedOperation(asyncq.TimerListenStreamConnectionBackoff))
}

func TestStream_IdleTimeoutCloses(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, ws.Start)
	mock := conn.AwaitStream(t, remote.KindListen, nil)
	require.Eventually(t, func() bool { o, _, _ := rec.snapshot(); return o == 1 }, time.Second, time.Millisecond)

	onQueue(t, q, func(context.Context) { ws.MarkIdle() })
	require.True(t, q.ContainsDelayedOperation(asyncq.TimerListenStreamIdle))
	require.NoError(t, q.RunDelayedOperationsEarly(context.Background(), asyncq.TimerListenStreamIdle))

	closes := awaitCloses(t, rec, 1)
	assert.NoError(t, closes[0])
	assert.True(t, mock.IsClosed())
	onQueue(t, q, func(context.Context) { assert.Equal(t, remote.StreamInitial, ws.State()) })
}

func TestStream_SendCancelsIdleTimer(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, ws.Start)
	conn.AwaitStream(t, remote.KindListen, nil)
	require.Eventually(t, func() bool { o, _, _ := rec.snapshot(); return o == 1 }, time.Second, time.Millisecond)

	onQueue(t, q, func(context.Context) {
		ws.MarkIdle()
		require.NoError(t, ws.Unwatch(4))
	})
	assert.False(t, q.ContainsDelayedOperation(asyncq.TimerListenStreamIdle))
}

func TestStream_StopDiscardsPendingOpen(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, func(ctx context.Context) {
		ws.Start(ctx)
		ws.Stop(ctx)
	})
	// The open completes after Stop; its stream must be closed, not used.
	require.Eventually(t, func() bool {
		s := conn.Stream(remote.KindListen)
		return s != nil && s.IsClosed()
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, q.Drain(context.Background()))

	opens, closes, _ := rec.snapshot()
	assert.Zero(t, opens)
	require.Len(t, closes, 1)
	assert.NoError(t, closes[0])
}

func TestStream_ServerCloseReportsUnavailable(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	ws := remote.NewWatchStream(q, conn, nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, ws.Start)
	mock := conn.AwaitStream(t, remote.KindListen, nil)
	require.NoError(t, mock.Close())

	closes := awaitCloses(t, rec, 1)
	assert.Equal(t, remote.CodeUnavailable, remote.StatusCode(closes[0]))
}

func TestWriteStream_HandshakeBeforeMutations(t *testing.T) {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	rec := &streamRecorder{}
	w := remote.NewWriteStream(q, conn, "projects/p/databases/(default)/documents/", nil, nil, remote.StreamOptions{}, nil, rec)

	onQueue(t, q, w.Start)
	mock := conn.AwaitStream(t, remote.KindWrite, nil)
	require.Eventually(t, func() bool { o, _, _ := rec.snapshot(); return o == 1 }, time.Second, time.Millisecond)

	mutations := []model.Mutation{testutil.SetMutation("rooms/a", map[string]any{"n": 1})}
	onQueue(t, q, func(context.Context) {
		assert.ErrorIs(t, w.WriteMutations(mutations), remote.ErrHandshakeIncomplete)
		require.NoError(t, w.WriteHandshake())
	})
	hs := mock.AwaitSent(t, 1)[0].(*remote.WriteRequest)
	assert.Equal(t, "projects/p/databases/(default)/documents/", hs.Database)
	assert.Empty(t, hs.Writes)

	mock.Deliver(&remote.WriteResponse{StreamToken: []byte("t1")})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.handshakes == 1
	}, time.Second, time.Millisecond)

	onQueue(t, q, func(context.Context) {
		assert.True(t, w.HandshakeComplete())
		assert.Equal(t, []byte("t1"), w.LastStreamToken)
		require.NoError(t, w.WriteMutations(mutations))
	})
	write := mock.AwaitSent(t, 2)[1].(*remote.WriteRequest)
	assert.Equal(t, []byte("t1"), write.StreamToken)
	require.Len(t, write.Writes, 1)

	mock.Deliver(&remote.WriteResponse{StreamToken: []byte("t2"), CommitTime: testutil.Version(5), Results: []model.MutationResult{{Version: testutil.Version(5)}}})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.results) == 1
	}, time.Second, time.Millisecond)
	onQueue(t, q, func(context.Context) { assert.Equal(t, []byte("t2"), w.LastStreamToken) })
}
