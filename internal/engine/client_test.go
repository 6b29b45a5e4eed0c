package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/asyncq"
	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	testDB  = model.DatabaseID{ProjectID: "p"}
)

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *testutil.MockConnection) {
	t.Helper()
	backend := persistence.NewMemory()
	conn := testutil.NewMockConnection()
	opts = append([]ClientOption{
		WithLogger(discard),
		WithClock(testutil.NewManualClock(1_000_000)),
		WithClientIDGenerator(testutil.NewFixedClientID("")),
		WithDatabase(testDB),
		WithGarbageCollection(local.DefaultLRUParams(), 0, 0),
		WithIndexBackfill(0, 0, 0),
	}, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := NewClient(ctx, backend, conn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
		_ = backend.Close()
	})
	return c, conn
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// listenRequest returns the i-th message sent on the watch stream.
func listenRequest(t *testing.T, s *testutil.MockStream, i int) *remote.ListenRequest {
	t.Helper()
	req, ok := s.AwaitSent(t, i+1)[i].(*remote.ListenRequest)
	require.True(t, ok, "message %d is not a listen request", i)
	return req
}

// syncTarget makes docs the backend's result for target id at version.
func syncTarget(s *testutil.MockStream, id model.TargetID, version int64, token string, docs ...*model.MutableDocument) {
	s.DeliverChange(remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []model.TargetID{id}})
	for _, d := range docs {
		s.DeliverChange(remote.DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{id}, Key: d.Key(), NewDoc: d})
	}
	s.DeliverChange(remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []model.TargetID{id}, ResumeToken: []byte(token)})
	s.DeliverSnapshot(testutil.Version(version))
}

func TestClient_ID(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, "test-client", c.ID())
}

func TestClient_ListenReceivesRemoteSnapshot(t *testing.T) {
	c, conn := newTestClient(t)
	ctx := testCtx(t)
	rec := newRecorder()

	reg, err := c.Listen(ctx, testutil.Query("rooms"), ListenOptions{}, rec.observe)
	require.NoError(t, err)

	watch := conn.AwaitStream(t, remote.KindListen, nil)
	req := listenRequest(t, watch, 0)
	require.NotNil(t, req.AddTarget)
	id := req.AddTarget.TargetID
	assert.Zero(t, id%2, "query targets are even")
	rec.none(t)

	syncTarget(watch, id, 5, "r1",
		testutil.Doc("rooms/a", 5, map[string]any{"n": 1}),
		testutil.Doc("rooms/b", 5, map[string]any{"n": 2}),
	)

	got := rec.next(t)
	require.NoError(t, got.err)
	assert.False(t, got.snap.FromCache)
	assert.Equal(t, []string{"added rooms/a", "added rooms/b"}, changeSummary(got.snap.DocChanges))

	state, err := c.OnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Online, state)

	doc, err := c.GetDocumentFromCache(ctx, testutil.Key("rooms/a"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, testutil.Version(5), doc.Version())

	require.NoError(t, reg.Remove(ctx))
	require.NoError(t, reg.Remove(ctx), "second remove is a no-op")
	unlisten := listenRequest(t, watch, 1)
	assert.Equal(t, id, unlisten.RemoveTarget)
}

func TestClient_WriteIsVisibleBeforeAcknowledgement(t *testing.T) {
	c, conn := newTestClient(t)
	ctx := testCtx(t)
	rec := newRecorder()

	_, err := c.Listen(ctx, testutil.Query("rooms"), ListenOptions{IncludeMetadataChanges: true}, rec.observe)
	require.NoError(t, err)

	w, err := c.Write(ctx, testutil.SetMutation("rooms/a", map[string]any{"n": 1}))
	require.NoError(t, err)
	assert.Greater(t, w.BatchID, model.BatchIDUnknown)

	got := rec.next(t)
	assert.True(t, got.snap.FromCache)
	assert.True(t, got.snap.HasPendingWrites())
	assert.Equal(t, []string{"added rooms/a"}, changeSummary(got.snap.DocChanges))

	doc, err := c.GetDocumentFromCache(ctx, testutil.Key("rooms/a"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.HasLocalMutations())

	snap, err := c.GetDocumentsFromCache(ctx, testutil.Query("rooms"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rooms/a"}, keyStrings(snap.Docs.Keys()))

	waited := make(chan error, 1)
	go func() { waited <- c.WaitForPendingWrites(ctx) }()

	writes := conn.AwaitStream(t, remote.KindWrite, nil)
	handshake := writes.AwaitSent(t, 1)[0].(*remote.WriteRequest)
	assert.Empty(t, handshake.Writes)
	writes.Deliver(&remote.WriteResponse{StreamToken: []byte("s1")})
	sent := writes.AwaitSent(t, 2)
	require.Len(t, sent[1].(*remote.WriteRequest).Writes, 1)

	writes.Deliver(&remote.WriteResponse{
		StreamToken: []byte("s2"),
		CommitTime:  testutil.Version(9),
		Results:     []model.MutationResult{{Version: testutil.Version(9)}},
	})
	require.NoError(t, w.Wait(ctx))

	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("WaitForPendingWrites did not return")
	}

	doc, err = c.GetDocumentFromCache(ctx, testutil.Key("rooms/a"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.False(t, doc.HasLocalMutations())
}

func TestClient_RejectedWriteIsRolledBack(t *testing.T) {
	c, conn := newTestClient(t)
	ctx := testCtx(t)

	w, err := c.Write(ctx, testutil.PatchMutation("rooms/a", map[string]any{"n": 1}))
	require.NoError(t, err)

	writes := conn.AwaitStream(t, remote.KindWrite, nil)
	writes.AwaitSent(t, 1)
	writes.Deliver(&remote.WriteResponse{StreamToken: []byte("s1")})
	writes.AwaitSent(t, 2)
	writes.Fail(remote.Errorf(remote.CodeFailedPrecondition, "no document to update"))

	err = w.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, remote.CodeFailedPrecondition, remote.StatusCode(err))

	_, err = c.GetDocumentFromCache(ctx, testutil.Key("rooms/a"))
	assert.Equal(t, remote.CodeUnavailable, remote.StatusCode(err))
}

func TestClient_WaitForPendingWritesWithoutWrites(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.WaitForPendingWrites(testCtx(t)))
}

func TestClient_GetDocumentFromCacheUnknownKey(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.GetDocumentFromCache(testCtx(t), testutil.Key("rooms/missing"))
	require.Error(t, err)
	assert.Equal(t, remote.CodeUnavailable, remote.StatusCode(err))
}

func TestClient_GetDocumentFromServer(t *testing.T) {
	c, conn := newTestClient(t)
	ctx := testCtx(t)
	conn.SetDocument(testutil.Doc("rooms/a", 3, map[string]any{"n": 7}))

	doc, err := c.GetDocumentFromServer(ctx, testutil.Key("rooms/a"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, testutil.Version(3), doc.Version())

	missing, err := c.GetDocumentFromServer(ctx, testutil.Key("rooms/none"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, c.DisableNetwork(ctx))
	_, err = c.GetDocumentFromServer(ctx, testutil.Key("rooms/a"))
	assert.Equal(t, remote.CodeUnavailable, remote.StatusCode(err))

	state, err := c.OnlineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.Offline, state)

	require.NoError(t, c.EnableNetwork(ctx))
	_, err = c.GetDocumentFromServer(ctx, testutil.Key("rooms/a"))
	assert.NoError(t, err)
}

func TestClient_DisableNetworkRaisesCachedSnapshot(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := testCtx(t)
	rec := newRecorder()

	_, err := c.Listen(ctx, testutil.Query("rooms"), ListenOptions{}, rec.observe)
	require.NoError(t, err)
	rec.none(t)

	require.NoError(t, c.DisableNetwork(ctx))
	got := rec.next(t)
	assert.True(t, got.snap.FromCache)
	assert.True(t, got.snap.Docs.IsEmpty())
}

func TestClient_ExistenceFilterMismatchResolvesLimbo(t *testing.T) {
	mismatches := make(chan remote.ExistenceFilterMismatch, 4)
	c, conn := newTestClient(t, WithExistenceFilterMismatchObserver(func(m remote.ExistenceFilterMismatch) {
		mismatches <- m
	}))
	ctx := testCtx(t)
	rec := newRecorder()

	_, err := c.Listen(ctx, testutil.Query("rooms"), ListenOptions{IncludeMetadataChanges: true}, rec.observe)
	require.NoError(t, err)
	watch := conn.AwaitStream(t, remote.KindListen, nil)
	id := listenRequest(t, watch, 0).AddTarget.TargetID

	paths := []string{"rooms/a", "rooms/b", "rooms/c", "rooms/d", "rooms/e", "rooms/f"}
	var docs []*model.MutableDocument
	for i, p := range paths {
		docs = append(docs, testutil.Doc(p, 5, map[string]any{"n": i}))
	}
	syncTarget(watch, id, 5, "r1", docs...)
	first := rec.next(t)
	assert.Equal(t, 6, first.snap.Docs.Len())
	assert.False(t, first.snap.FromCache)

	// The backend holds five documents; the bloom filter names which.
	var names []string
	for _, p := range paths[:5] {
		names = append(names, testDB.ResourceName(testutil.Key(p)))
	}
	bloom := remote.BuildBloomFilter(names, 1024, 7)
	watch.DeliverChange(remote.ExistenceFilterChange{TargetID: id, Filter: remote.ExistenceFilter{Count: 5, UnchangedNames: bloom.Payload()}})
	watch.DeliverSnapshot(testutil.Version(7))

	inLimbo := rec.next(t)
	assert.True(t, inLimbo.snap.FromCache, "rooms/f is in limbo")
	assert.Empty(t, inLimbo.snap.DocChanges)

	select {
	case m := <-mismatches:
		assert.Equal(t, remote.BloomFilterSuccess, m.Outcome)
		assert.Equal(t, int32(5), m.ExpectedCount)
	case <-ctx.Done():
		t.Fatal("no mismatch reported")
	}

	limbo := listenRequest(t, watch, 1)
	require.NotNil(t, limbo.AddTarget, "no target reset after a successful bloom filter")
	assert.Equal(t, model.TargetID(1), limbo.AddTarget.TargetID)
	assert.Equal(t, query.DocumentQuery(testutil.Key("rooms/f")).Target().CanonicalID(), limbo.AddTarget.Target.CanonicalID())

	active, enqueued, err := c.LimboDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.DocumentKey]model.TargetID{testutil.Key("rooms/f"): 1}, active)
	assert.Empty(t, enqueued)

	// The limbo target turns current without the document: it is gone.
	syncTarget(watch, 1, 8, "r2")

	resolved := rec.next(t)
	assert.False(t, resolved.snap.FromCache)
	assert.Equal(t, []string{"removed rooms/f"}, changeSummary(resolved.snap.DocChanges))

	unlisten := listenRequest(t, watch, 2)
	assert.Equal(t, model.TargetID(1), unlisten.RemoveTarget)
	for _, msg := range watch.Sent() {
		assert.NotEqual(t, id, msg.(*remote.ListenRequest).RemoveTarget)
	}

	active, _, err = c.LimboDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestClient_RejectedLimboResolutionDeletesDocument(t *testing.T) {
	c, conn := newTestClient(t)
	ctx := testCtx(t)
	rec := newRecorder()

	_, err := c.Listen(ctx, testutil.Query("rooms"), ListenOptions{}, rec.observe)
	require.NoError(t, err)
	watch := conn.AwaitStream(t, remote.KindListen, nil)
	id := listenRequest(t, watch, 0).AddTarget.TargetID

	syncTarget(watch, id, 5, "r1",
		testutil.Doc("rooms/a", 5, map[string]any{"n": 1}),
		testutil.Doc("rooms/b", 5, map[string]any{"n": 2}),
	)
	rec.next(t)

	// rooms/b leaves the target without a delete, so it goes into limbo.
	watch.DeliverChange(remote.DocumentWatchChange{RemovedTargetIDs: []model.TargetID{id}, Key: testutil.Key("rooms/b")})
	watch.DeliverSnapshot(testutil.Version(6))
	limbo := listenRequest(t, watch, 1)
	require.NotNil(t, limbo.AddTarget)
	limboID := limbo.AddTarget.TargetID

	watch.DeliverChange(remote.WatchTargetChange{
		State:     remote.TargetRemoved,
		TargetIDs: []model.TargetID{limboID},
		Cause:     remote.Errorf(remote.CodePermissionDenied, "no access"),
	})

	got := rec.next(t)
	assert.Equal(t, []string{"removed rooms/b"}, changeSummary(got.snap.DocChanges))
	assert.False(t, got.snap.FromCache)

	_, err = c.GetDocumentFromCache(ctx, testutil.Key("rooms/b"))
	assert.Equal(t, remote.CodeUnavailable, remote.StatusCode(err), "the rejected document left the cache")
}

func TestClient_RejectedQueryFailsListener(t *testing.T) {
	c, conn := newTestClient(t)
	ctx := testCtx(t)
	rec := newRecorder()

	_, err := c.Listen(ctx, testutil.Query("secret"), ListenOptions{}, rec.observe)
	require.NoError(t, err)
	watch := conn.AwaitStream(t, remote.KindListen, nil)
	id := listenRequest(t, watch, 0).AddTarget.TargetID

	watch.DeliverChange(remote.WatchTargetChange{
		State:     remote.TargetRemoved,
		TargetIDs: []model.TargetID{id},
		Cause:     remote.Errorf(remote.CodePermissionDenied, "no access"),
	})

	got := rec.next(t)
	assert.Equal(t, remote.CodePermissionDenied, remote.StatusCode(got.err))
}

func TestClient_UserChangeCancelsWaitForPendingWrites(t *testing.T) {
	creds := testutil.NewFakeCredentials(remote.User{UID: "alice"})
	c, _ := newTestClient(t, WithCredentials(creds, nil))
	ctx := testCtx(t)

	require.NoError(t, c.DisableNetwork(ctx))
	_, err := c.Write(ctx, testutil.SetMutation("rooms/a", map[string]any{"n": 1}))
	require.NoError(t, err)

	waited := make(chan error, 1)
	go func() { waited <- c.WaitForPendingWrites(ctx) }()
	// The callback must be registered before the user changes.
	require.Eventually(t, func() bool {
		n, err := asyncq.Call(ctx, c.Queue(), func(context.Context) (int, error) {
			return len(c.sync.pendingWritesCallbacks), nil
		})
		return err == nil && n == 1
	}, time.Second, time.Millisecond)

	creds.ChangeUser(remote.User{UID: "bob"})

	select {
	case err := <-waited:
		assert.Equal(t, remote.CodeCanceled, remote.StatusCode(err))
	case <-ctx.Done():
		t.Fatal("WaitForPendingWrites did not return")
	}

	_, err = c.GetDocumentFromCache(ctx, testutil.Key("rooms/a"))
	assert.Equal(t, remote.CodeUnavailable, remote.StatusCode(err), "bob does not see alice's write")
}

func TestClient_ShutdownIsFinal(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := testCtx(t)

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	_, err := c.Write(ctx, testutil.SetMutation("rooms/a", map[string]any{"n": 1}))
	assert.ErrorIs(t, err, ErrClientTerminated)
	_, err = c.Listen(ctx, testutil.Query("rooms"), ListenOptions{}, func(*ViewSnapshot, error) {})
	assert.ErrorIs(t, err, ErrClientTerminated)
	_, err = c.GetDocumentFromCache(ctx, testutil.Key("rooms/a"))
	assert.ErrorIs(t, err, ErrClientTerminated)
}
