package remote_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
)

// fakeLocal serves batches and remembers the stream token.
type fakeLocal struct {
	mu          sync.Mutex
	batches     []*model.MutationBatch
	streamToken []byte
	lastVersion model.SnapshotVersion
}

func (f *fakeLocal) NextMutationBatch(_ context.Context, after model.BatchID) (*model.MutationBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.BatchID > after {
			return b, nil
		}
	}
	return nil, nil
}

func (f *fakeLocal) LastStreamToken(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamToken, nil
}

func (f *fakeLocal) SetLastStreamToken(_ context.Context, token []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamToken = token
	return nil
}

func (f *fakeLocal) LastRemoteSnapshotVersion(context.Context) (model.SnapshotVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastVersion, nil
}

func (f *fakeLocal) remove(id model.BatchID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.batches {
		if b.BatchID == id {
			f.batches = append(f.batches[:i], f.batches[i+1:]...)
			return
		}
	}
}

// fakeSyncer records what the remote store reports.
type fakeSyncer struct {
	mu       sync.Mutex
	local    *fakeLocal
	events   []remote.RemoteEvent
	rejected map[model.TargetID]error
	acked    []model.BatchID
	failed   map[model.BatchID]error
	keys     map[model.TargetID]model.DocumentKeySet
}

func newFakeSyncer(local *fakeLocal) *fakeSyncer {
	return &fakeSyncer{
		local:    local,
		rejected: make(map[model.TargetID]error),
		failed:   make(map[model.BatchID]error),
		keys:     make(map[model.TargetID]model.DocumentKeySet),
	}
}

func (s *fakeSyncer) ApplyRemoteEvent(_ context.Context, e remote.RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	for id, tc := range e.TargetChanges {
		ks, ok := s.keys[id]
		if !ok {
			ks = model.NewKeySet()
			s.keys[id] = ks
		}
		for k := range tc.Added {
			ks.Add(k)
		}
		for k := range tc.Removed {
			ks.Delete(k)
		}
	}
	return nil
}

func (s *fakeSyncer) RejectListen(_ context.Context, id model.TargetID, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[id] = err
	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(_ context.Context, r model.MutationBatchResult) error {
	s.mu.Lock()
	s.acked = append(s.acked, r.Batch.BatchID)
	s.mu.Unlock()
	s.local.remove(r.Batch.BatchID)
	return nil
}

func (s *fakeSyncer) RejectFailedWrite(_ context.Context, id model.BatchID, err error) error {
	s.mu.Lock()
	s.failed[id] = err
	s.mu.Unlock()
	s.local.remove(id)
	return nil
}

func (s *fakeSyncer) RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.keys[id]; ok {
		return ks.Clone()
	}
	return model.NewKeySet()
}

func (s *fakeSyncer) HandleCredentialChange(context.Context, remote.User) error { return nil }

func (s *fakeSyncer) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type storeFixture struct {
	t      *testing.T
	store  *remote.RemoteStore
	conn   *testutil.MockConnection
	local  *fakeLocal
	syncer *fakeSyncer
	states *[]remote.OnlineState
	run    func(fn func(ctx context.Context))
}

func newStoreFixture(t *testing.T) *storeFixture {
	q := newQueue(t)
	conn := testutil.NewMockConnection()
	local := &fakeLocal{}
	syncer := newFakeSyncer(local)
	var states []remote.OnlineState
	store := remote.NewRemoteStore(q, conn, local, remote.Options{
		Database: model.DatabaseID{ProjectID: "p"},
		OnOnlineStateChange: func(_ context.Context, s remote.OnlineState) {
			states = append(states, s)
		},
	})
	store.SetSyncer(syncer)
	f := &storeFixture{
		t: t, store: store, conn: conn, local: local, syncer: syncer, states: &states,
		run: func(fn func(ctx context.Context)) { onQueue(t, q, fn) },
	}
	f.run(func(ctx context.Context) { require.NoError(t, store.Start(ctx)) })
	return f
}

func listenTarget(id model.TargetID, path string) *query.TargetData {
	td := query.NewTargetData(testutil.Query(path).Target(), id, query.PurposeListen, 1)
	return &td
}

func TestRemoteStore_ListenRaisesEventOnGlobalSnapshot(t *testing.T) {
	f := newStoreFixture(t)

	f.run(func(ctx context.Context) { f.store.Listen(ctx, listenTarget(2, "rooms")) })
	mock := f.conn.AwaitStream(t, remote.KindListen, nil)
	req := mock.AwaitSent(t, 1)[0].(*remote.ListenRequest)
	assert.Equal(t, model.TargetID(2), req.AddTarget.TargetID)

	mock.DeliverChange(remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []model.TargetID{2}})
	mock.DeliverChange(remote.DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{2}, Key: testutil.Key("rooms/a"), NewDoc: testutil.Doc("rooms/a", 5, map[string]any{"n": 1})})
	mock.DeliverChange(remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []model.TargetID{2}, ResumeToken: []byte("r1")})
	f.drain()
	assert.Zero(t, f.syncer.eventCount(), "no event before the global snapshot")

	mock.DeliverSnapshot(testutil.Version(5))
	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, time.Second, time.Millisecond)

	f.syncer.mu.Lock()
	event := f.syncer.events[0]
	f.syncer.mu.Unlock()
	assert.Equal(t, testutil.Version(5), event.SnapshotVersion)
	tc := event.TargetChanges[2]
	require.NotNil(t, tc)
	assert.True(t, tc.Current)
	assert.True(t, tc.Added.Has(testutil.Key("rooms/a")))

	f.run(func(context.Context) {
		assert.Equal(t, remote.Online, f.store.OnlineState())
		td := f.store.TargetDataForTarget(2)
		require.NotNil(t, td)
		assert.Equal(t, []byte("r1"), td.ResumeToken)
		assert.Equal(t, testutil.Version(5), td.SnapshotVersion)
	})
}

func (f *storeFixture) drain() { f.run(func(context.Context) {}) }

func TestRemoteStore_ExistenceFilterMismatchRelistens(t *testing.T) {
	f := newStoreFixture(t)
	f.syncer.keys[2] = testutil.Keys("rooms/a", "rooms/b")

	td := listenTarget(2, "rooms")
	resumed := td.WithResumeToken([]byte("old"), testutil.Version(3))
	f.run(func(ctx context.Context) { f.store.Listen(ctx, &resumed) })
	mock := f.conn.AwaitStream(t, remote.KindListen, nil)
	first := mock.AwaitSent(t, 1)[0].(*remote.ListenRequest)
	require.NotNil(t, first.AddTarget.ExpectedCount)
	assert.Equal(t, int32(2), *first.AddTarget.ExpectedCount)

	mock.DeliverChange(remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []model.TargetID{2}})
	mock.DeliverChange(remote.ExistenceFilterChange{TargetID: 2, Filter: remote.ExistenceFilter{Count: 1}})
	mock.DeliverSnapshot(testutil.Version(6))

	sent := mock.AwaitSent(t, 3)
	assert.Equal(t, model.TargetID(2), sent[1].(*remote.ListenRequest).RemoveTarget)
	again := sent[2].(*remote.ListenRequest).AddTarget
	require.NotNil(t, again)
	assert.Empty(t, again.ResumeToken)
	assert.Equal(t, query.PurposeExistenceFilterMismatch.String(), sent[2].(*remote.ListenRequest).Labels["goog-listen-tags"])

	require.Eventually(t, func() bool { return f.syncer.eventCount() == 1 }, time.Second, time.Millisecond)
	f.syncer.mu.Lock()
	event := f.syncer.events[0]
	f.syncer.mu.Unlock()
	assert.Equal(t, query.PurposeExistenceFilterMismatch, event.TargetMismatches[2])
}

func TestRemoteStore_TargetErrorRejectsListen(t *testing.T) {
	f := newStoreFixture(t)
	f.run(func(ctx context.Context) { f.store.Listen(ctx, listenTarget(2, "secret")) })
	mock := f.conn.AwaitStream(t, remote.KindListen, nil)
	mock.AwaitSent(t, 1)

	mock.DeliverChange(remote.WatchTargetChange{
		State:     remote.TargetRemoved,
		TargetIDs: []model.TargetID{2},
		Cause:     remote.Errorf(remote.CodePermissionDenied, "no access"),
	})
	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return f.syncer.rejected[2] != nil
	}, time.Second, time.Millisecond)
	f.run(func(context.Context) { assert.Nil(t, f.store.TargetDataForTarget(2)) })
}

func batch(id model.BatchID, path string) *model.MutationBatch {
	return &model.MutationBatch{
		BatchID:        id,
		LocalWriteTime: testutil.Version(1).Timestamp(),
		Mutations:      []model.Mutation{testutil.SetMutation(path, map[string]any{"v": int64(id)})},
	}
}

func TestRemoteStore_WritePipeline(t *testing.T) {
	f := newStoreFixture(t)
	f.local.batches = []*model.MutationBatch{batch(1, "rooms/a"), batch(2, "rooms/b")}

	f.run(func(ctx context.Context) {
		require.NoError(t, f.store.FillWritePipeline(ctx))
		assert.Equal(t, 2, f.store.PendingWrites())
	})
	mock := f.conn.AwaitStream(t, remote.KindWrite, nil)

	handshake := mock.AwaitSent(t, 1)[0].(*remote.WriteRequest)
	assert.Empty(t, handshake.Writes)
	mock.Deliver(&remote.WriteResponse{StreamToken: []byte("s1")})

	sent := mock.AwaitSent(t, 3)
	assert.Len(t, sent[1].(*remote.WriteRequest).Writes, 1)
	assert.Len(t, sent[2].(*remote.WriteRequest).Writes, 1)

	mock.Deliver(&remote.WriteResponse{StreamToken: []byte("s2"), CommitTime: testutil.Version(9), Results: []model.MutationResult{{Version: testutil.Version(9)}}})
	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return len(f.syncer.acked) == 1
	}, time.Second, time.Millisecond)

	f.run(func(context.Context) { assert.Equal(t, 1, f.store.PendingWrites()) })
	f.local.mu.Lock()
	assert.Equal(t, []byte("s1"), f.local.streamToken)
	f.local.mu.Unlock()
}

func TestRemoteStore_PermanentWriteErrorRejectsBatch(t *testing.T) {
	f := newStoreFixture(t)
	f.local.batches = []*model.MutationBatch{batch(1, "rooms/a"), batch(2, "rooms/b")}

	f.run(func(ctx context.Context) { require.NoError(t, f.store.FillWritePipeline(ctx)) })
	mock := f.conn.AwaitStream(t, remote.KindWrite, nil)
	mock.AwaitSent(t, 1)
	mock.Deliver(&remote.WriteResponse{StreamToken: []byte("s1")})
	mock.AwaitSent(t, 3)

	mock.Fail(remote.Errorf(remote.CodeFailedPrecondition, "document missing"))
	require.Eventually(t, func() bool {
		f.syncer.mu.Lock()
		defer f.syncer.mu.Unlock()
		return f.syncer.failed[1] != nil
	}, time.Second, time.Millisecond)

	// The remaining batch goes out on a new stream after a new handshake.
	next := f.conn.AwaitStream(t, remote.KindWrite, mock)
	next.AwaitSent(t, 1)
	next.Deliver(&remote.WriteResponse{StreamToken: []byte("s3")})
	resent := next.AwaitSent(t, 2)
	require.Len(t, resent[1].(*remote.WriteRequest).Writes, 1)
	assert.Equal(t, testutil.Key("rooms/b"), resent[1].(*remote.WriteRequest).Writes[0].Key)
}

func TestRemoteStore_DisableNetworkGoesOffline(t *testing.T) {
	f := newStoreFixture(t)
	f.run(func(ctx context.Context) { f.store.Listen(ctx, listenTarget(2, "rooms")) })
	mock := f.conn.AwaitStream(t, remote.KindListen, nil)
	mock.AwaitSent(t, 1)

	f.run(func(ctx context.Context) {
		f.store.DisableNetwork(ctx)
		assert.Equal(t, remote.Offline, f.store.OnlineState())
		assert.False(t, f.store.WatchStream().IsStarted())
	})
	assert.True(t, mock.IsClosed())
	assert.Equal(t, remote.Offline, (*f.states)[len(*f.states)-1])

	f.run(func(ctx context.Context) { require.NoError(t, f.store.EnableNetwork(ctx)) })
	reopened := f.conn.AwaitStream(t, remote.KindListen, mock)
	reopened.AwaitSent(t, 1)
}
