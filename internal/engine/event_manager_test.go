package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
)

type fakeListenSource struct {
	snap      *ViewSnapshot
	err       error
	listens   int
	unlistens int
}

func (f *fakeListenSource) Listen(ctx context.Context, q query.Query) (*ViewSnapshot, error) {
	f.listens++
	return f.snap, f.err
}

func (f *fakeListenSource) Unlisten(ctx context.Context, q query.Query) error {
	f.unlistens++
	return nil
}

type observed struct {
	snap *ViewSnapshot
	err  error
}

type recorder chan observed

func newRecorder() recorder { return make(recorder, 16) }

func (r recorder) observe(snap *ViewSnapshot, err error) { r <- observed{snap: snap, err: err} }

func (r recorder) next(t *testing.T) observed {
	t.Helper()
	select {
	case o := <-r:
		return o
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return observed{}
	}
}

func (r recorder) none(t *testing.T) {
	t.Helper()
	select {
	case o := <-r:
		t.Fatalf("unexpected event: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

// snapshotOf builds a snapshot in which every doc was just added.
func snapshotOf(q query.Query, fromCache bool, docs ...*model.MutableDocument) *ViewSnapshot {
	set := NewDocumentSet(q.Comparator())
	var changes []DocumentViewChange
	for _, d := range docs {
		set.Add(d)
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: d})
	}
	return &ViewSnapshot{
		Query:            q,
		Docs:             set,
		OldDocs:          NewDocumentSet(q.Comparator()),
		DocChanges:       changes,
		MutatedKeys:      model.NewKeySet(),
		FromCache:        fromCache,
		SyncStateChanged: true,
	}
}

func TestEventManager_RaisesCachedDocumentsImmediately(t *testing.T) {
	q := testutil.Query("rooms")
	src := &fakeListenSource{snap: snapshotOf(q, true, testutil.Doc("rooms/a", 1, map[string]any{"n": 1}))}
	m := NewEventManager(src)
	rec := newRecorder()

	require.NoError(t, m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, rec.observe)))

	got := rec.next(t)
	require.NoError(t, got.err)
	assert.True(t, got.snap.FromCache)
	assert.Equal(t, []string{"added rooms/a"}, changeSummary(got.snap.DocChanges))
}

func TestEventManager_HoldsEmptyCacheUntilOffline(t *testing.T) {
	q := testutil.Query("rooms")
	m := NewEventManager(&fakeListenSource{snap: snapshotOf(q, true)})
	rec := newRecorder()

	require.NoError(t, m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, rec.observe)))
	rec.none(t)

	m.OnOnlineStateChange(remote.Offline)
	got := rec.next(t)
	assert.True(t, got.snap.FromCache)
	assert.True(t, got.snap.Docs.IsEmpty())
}

func TestEventManager_EmptyCacheWithResumeTokenIsRaised(t *testing.T) {
	q := testutil.Query("rooms")
	snap := snapshotOf(q, true)
	snap.HasCachedResults = true
	m := NewEventManager(&fakeListenSource{snap: snap})
	rec := newRecorder()

	require.NoError(t, m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, rec.observe)))
	got := rec.next(t)
	assert.True(t, got.snap.HasCachedResults)
}

func TestEventManager_WaitForSyncWhenOnline(t *testing.T) {
	q := testutil.Query("rooms")
	doc := testutil.Doc("rooms/a", 1, map[string]any{"n": 1})
	m := NewEventManager(&fakeListenSource{snap: snapshotOf(q, true, doc)})
	rec := newRecorder()

	l := NewQueryListener(q, ListenOptions{WaitForSyncWhenOnline: true}, rec.observe)
	require.NoError(t, m.Listen(context.Background(), l))
	rec.none(t)

	m.OnWatchChange([]*ViewSnapshot{snapshotOf(q, false, doc)})
	got := rec.next(t)
	assert.False(t, got.snap.FromCache)
	assert.Equal(t, []string{"added rooms/a"}, changeSummary(got.snap.DocChanges))
}

func TestEventManager_MetadataOnlyChanges(t *testing.T) {
	q := testutil.Query("rooms")
	doc := testutil.Doc("rooms/a", 1, map[string]any{"n": 1})
	synced := &ViewSnapshot{
		Query:            q,
		Docs:             snapshotOf(q, false, doc).Docs,
		MutatedKeys:      model.NewKeySet(),
		FromCache:        false,
		SyncStateChanged: true,
	}

	for _, include := range []bool{false, true} {
		m := NewEventManager(&fakeListenSource{snap: snapshotOf(q, true, doc)})
		rec := newRecorder()
		require.NoError(t, m.Listen(context.Background(), NewQueryListener(q, ListenOptions{IncludeMetadataChanges: include}, rec.observe)))
		rec.next(t)

		m.OnWatchChange([]*ViewSnapshot{synced})
		if include {
			got := rec.next(t)
			assert.False(t, got.snap.FromCache)
			assert.False(t, got.snap.ExcludesMetadataChanges)
		} else {
			rec.none(t)
		}
	}
}

func TestEventManager_MetadataChangesFilteredFromDocChanges(t *testing.T) {
	q := testutil.Query("rooms")
	a := testutil.Doc("rooms/a", 1, map[string]any{"n": 1})
	b := testutil.Doc("rooms/b", 1, map[string]any{"n": 2})
	m := NewEventManager(&fakeListenSource{snap: snapshotOf(q, true, a)})
	rec := newRecorder()
	require.NoError(t, m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, rec.observe)))
	rec.next(t)

	next := snapshotOf(q, true, a, b)
	next.SyncStateChanged = false
	next.DocChanges = []DocumentViewChange{
		{Type: ChangeAdded, Doc: b},
		{Type: ChangeMetadata, Doc: a},
	}
	m.OnWatchChange([]*ViewSnapshot{next})

	got := rec.next(t)
	assert.True(t, got.snap.ExcludesMetadataChanges)
	assert.Equal(t, []string{"added rooms/b"}, changeSummary(got.snap.DocChanges))
}

func TestEventManager_SharesBackendListen(t *testing.T) {
	q := testutil.Query("rooms")
	src := &fakeListenSource{snap: snapshotOf(q, false, testutil.Doc("rooms/a", 1, map[string]any{"n": 1}))}
	m := NewEventManager(src)
	ctx := context.Background()

	first, second := newRecorder(), newRecorder()
	l1 := NewQueryListener(q, ListenOptions{}, first.observe)
	l2 := NewQueryListener(q, ListenOptions{}, second.observe)
	require.NoError(t, m.Listen(ctx, l1))
	require.NoError(t, m.Listen(ctx, l2))

	assert.Equal(t, 1, src.listens)
	assert.Equal(t, 2, m.ListenerCount(q))
	first.next(t)
	got := second.next(t)
	assert.Equal(t, []string{"added rooms/a"}, changeSummary(got.snap.DocChanges), "late listener gets the last snapshot")

	require.NoError(t, m.Unlisten(ctx, l1))
	assert.Equal(t, 0, src.unlistens)
	require.NoError(t, m.Unlisten(ctx, l2))
	assert.Equal(t, 1, src.unlistens)
	assert.Equal(t, 0, m.ListenerCount(q))

	require.NoError(t, m.Unlisten(ctx, l2), "second unlisten is a no-op")
	assert.Equal(t, 1, src.unlistens)
}

func TestEventManager_ListenErrorReachesObserver(t *testing.T) {
	q := testutil.Query("rooms")
	boom := errors.New("boom")
	m := NewEventManager(&fakeListenSource{err: boom})
	rec := newRecorder()

	err := m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, rec.observe))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, rec.next(t).err, boom)
	assert.Equal(t, 0, m.ListenerCount(q))
}

func TestEventManager_OnWatchErrorEndsListeners(t *testing.T) {
	q := testutil.Query("rooms")
	m := NewEventManager(&fakeListenSource{snap: snapshotOf(q, false)})
	rec := newRecorder()
	require.NoError(t, m.Listen(context.Background(), NewQueryListener(q, ListenOptions{}, rec.observe)))
	rec.next(t)

	denied := remote.Errorf(remote.CodePermissionDenied, "missing permissions")
	m.OnWatchError(q, denied)

	assert.Equal(t, remote.CodePermissionDenied, remote.StatusCode(rec.next(t).err))
	assert.Equal(t, 0, m.ListenerCount(q))

	m.OnWatchChange([]*ViewSnapshot{snapshotOf(q, false, testutil.Doc("rooms/a", 1, map[string]any{"n": 1}))})
	rec.none(t)
}
