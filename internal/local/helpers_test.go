package local

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/query"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// backends returns a memory backend and a pure-Go SQLite backend.
func backends(t *testing.T) map[string]persistence.Backend {
	t.Helper()
	s, err := persistence.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "local.db"),
		persistence.SQLiteOptions{Driver: persistence.DriverPure})
	require.NoError(t, err)
	out := map[string]persistence.Backend{
		"memory": persistence.NewMemory(),
		"sqlite": s,
	}
	t.Cleanup(func() {
		for _, b := range out {
			b.Close()
		}
	})
	return out
}

// eachBackend runs fn against every backend.
func eachBackend(t *testing.T, fn func(t *testing.T, b persistence.Backend)) {
	t.Helper()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, b) })
	}
}

func newStore(t *testing.T, b persistence.Backend, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(discard), WithClock(testutil.NewManualClock(1_000_000))}, opts...)
	s := New(b, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func update(t *testing.T, b persistence.Backend, fn func(txn persistence.WriteTxn) error) {
	t.Helper()
	require.NoError(t, b.Update(context.Background(), "test", fn))
}

func view(t *testing.T, b persistence.Backend, fn func(txn persistence.ReadTxn) error) {
	t.Helper()
	require.NoError(t, b.View(context.Background(), "test", fn))
}

// documentsEvent reports docs at version without any target change.
func documentsEvent(version int64, docs ...*model.MutableDocument) remote.RemoteEvent {
	updates := make(model.DocumentMap, len(docs))
	for _, d := range docs {
		updates[d.Key()] = d
	}
	return remote.RemoteEvent{
		SnapshotVersion:        testutil.Version(version),
		TargetChanges:          map[model.TargetID]*remote.TargetChange{},
		TargetMismatches:       map[model.TargetID]query.TargetPurpose{},
		DocumentUpdates:        updates,
		ResolvedLimboDocuments: model.NewKeySet(),
	}
}

// targetEvent reports docs as added to target id.
func targetEvent(version int64, id model.TargetID, token string, docs ...*model.MutableDocument) remote.RemoteEvent {
	event := documentsEvent(version, docs...)
	change := remote.NewTargetChange([]byte(token), true)
	for _, d := range docs {
		change.Added.Add(d.Key())
	}
	event.TargetChanges[id] = change
	return event
}

func field(doc *model.MutableDocument, path string) model.Value {
	return doc.Field(model.MustFieldPath(path))
}
