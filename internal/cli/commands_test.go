package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/testutil"
)

// writeConfig writes a CUE config that keeps background work out of the
// way. store is either "memory" or a database path.
func writeConfig(t *testing.T, store string) string {
	t.Helper()
	persistenceBlock := `persistence: memory: true`
	if store != "memory" {
		persistenceBlock = `persistence: path: "` + filepath.ToSlash(store) + `"`
	}
	path := filepath.Join(t.TempDir(), "docsync.cue")
	require.NoError(t, os.WriteFile(path, []byte(persistenceBlock+`
database: project: "p"
remote: url: "ws://127.0.0.1:1/v1"
gc: initial_delay: "1h"
indexes: backfill: initial_delay: "1h"
`), 0644))
	return path
}

func rootOptions(t *testing.T, format, configPath string) (*RootOptions, *testutil.MockConnection) {
	t.Helper()
	conn := testutil.NewMockConnection()
	return &RootOptions{
		Format:     format,
		Config:     configPath,
		Environ:    []string{},
		Connection: conn,
	}, conn
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

// seedDatabase leaves one pending write in a fresh SQLite database.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docsync.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := persistence.OpenSQLite(ctx, path, persistence.SQLiteOptions{Logger: logger})
	require.NoError(t, err)
	client, err := engine.NewClient(ctx, db, testutil.NewMockConnection(),
		engine.WithLogger(logger),
		engine.WithDatabase(model.DatabaseID{ProjectID: "p"}),
		engine.WithGarbageCollection(local.DefaultLRUParams(), 0, 0),
		engine.WithIndexBackfill(0, 0, 0),
	)
	require.NoError(t, err)
	require.NoError(t, client.DisableNetwork(ctx))
	_, err = client.Write(ctx, testutil.SetMutation("rooms/a", map[string]any{"n": 1}))
	require.NoError(t, err)
	require.NoError(t, client.Shutdown(ctx))
	require.NoError(t, db.Close())
	return path
}

func TestInspect_SQLiteJSON(t *testing.T) {
	path := seedDatabase(t)
	opts, _ := rootOptions(t, "json", writeConfig(t, path))

	out, err := execute(t, NewInspectCommand(opts))
	require.NoError(t, err, out)

	var resp struct {
		Status   string        `json:"status"`
		ClientID string        `json:"client_id"`
		Data     InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.ClientID)
	assert.Equal(t, resp.ClientID, resp.Data.ClientID)
	assert.Equal(t, "anonymous", resp.Data.User)
	assert.Equal(t, 1, resp.Data.PendingBatches)
	assert.Equal(t, 1, resp.Data.Overlays)
	assert.Zero(t, resp.Data.Targets)
	assert.Zero(t, resp.Data.LastRemoteSnapshotMicros)
}

func TestInspect_MemoryText(t *testing.T) {
	opts, conn := rootOptions(t, "text", writeConfig(t, "memory"))

	out, err := execute(t, NewInspectCommand(opts))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pending batches:   0\n")
	assert.Contains(t, out, "Last snapshot:     never\n")
	assert.Zero(t, conn.OpenCount(remote.KindListen), "inspect never listens")
}

func TestInspect_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsync.cue")
	require.NoError(t, os.WriteFile(path, []byte(`persistence: driver: "postgres"`), 0644))
	opts, _ := rootOptions(t, "json", path)

	out, err := execute(t, NewInspectCommand(opts))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeConfig, resp.Error.Code)
}

func TestWriteInspectText_GroupsDigits(t *testing.T) {
	buf := &bytes.Buffer{}
	writeInspectText(buf, InspectResult{ClientID: "c", RemoteDocuments: 12345, CacheSizeBytes: 2345678, LastRemoteSnapshotMicros: 1000})
	assert.Contains(t, buf.String(), "Remote documents:  12,345\n")
	assert.Contains(t, buf.String(), "Cache size:        2,345,678 bytes\n")
	assert.Contains(t, buf.String(), "Last snapshot:     1,000 us\n")
}

func TestGC_SkippedBelowThreshold(t *testing.T) {
	opts, _ := rootOptions(t, "text", writeConfig(t, "memory"))

	out, err := execute(t, NewGCCommand(opts))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Skipped: cache holds 0 bytes")
}

func TestGC_ForceJSON(t *testing.T) {
	path := seedDatabase(t)
	opts, _ := rootOptions(t, "json", writeConfig(t, path))

	out, err := execute(t, NewGCCommand(opts), "--force", "--percentile", "100")
	require.NoError(t, err, out)

	var resp struct {
		Data GCResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.DidRun)
	assert.Zero(t, resp.Data.DocumentsRemoved, "pending writes are never collected")
}

func TestGC_InvalidPercentile(t *testing.T) {
	opts, _ := rootOptions(t, "text", writeConfig(t, "memory"))

	out, err := execute(t, NewGCCommand(opts), "--percentile", "101")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E_CONFIG]: invalid percentile 101")
}

func TestBuildSyncQueries(t *testing.T) {
	queries, err := buildSyncQueries([]string{"rooms", "rooms/a/messages"}, []string{"messages"}, 5)
	require.NoError(t, err)
	require.Len(t, queries, 3)
	assert.Equal(t, "rooms", queries[0].label)
	assert.Equal(t, "group:messages", queries[2].label)
	for _, q := range queries {
		assert.True(t, q.query.HasLimit(), q.label)
	}

	_, err = buildSyncQueries(nil, nil, 0)
	assert.ErrorContains(t, err, "at least one collection path")

	_, err = buildSyncQueries([]string{"rooms"}, nil, -1)
	assert.ErrorContains(t, err, "limit must be positive")
}

// syncTarget makes docs the backend's result for target id.
func syncTarget(s *testutil.MockStream, id model.TargetID, version int64, docs ...*model.MutableDocument) {
	s.DeliverChange(remote.WatchTargetChange{State: remote.TargetAdded, TargetIDs: []model.TargetID{id}})
	for _, d := range docs {
		s.DeliverChange(remote.DocumentWatchChange{UpdatedTargetIDs: []model.TargetID{id}, Key: d.Key(), NewDoc: d})
	}
	s.DeliverChange(remote.WatchTargetChange{State: remote.TargetCurrent, TargetIDs: []model.TargetID{id}, ResumeToken: []byte("r1")})
	s.DeliverSnapshot(testutil.Version(version))
}

func addTarget(t *testing.T, s *testutil.MockStream) model.TargetID {
	t.Helper()
	req, ok := s.AwaitSent(t, 1)[0].(*remote.ListenRequest)
	require.True(t, ok)
	require.NotNil(t, req.AddTarget)
	return req.AddTarget.TargetID
}

func TestSync_OnceJSON(t *testing.T) {
	opts, conn := rootOptions(t, "json", writeConfig(t, "memory"))

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := execute(t, NewSyncCommand(opts), "rooms", "--once", "--data")
		done <- outcome{out, err}
	}()

	watch := conn.AwaitStream(t, remote.KindListen, nil)
	syncTarget(watch, addTarget(t, watch), 5,
		testutil.Doc("rooms/a", 5, map[string]any{"n": 1}),
		testutil.Doc("rooms/b", 5, map[string]any{"n": 2}),
	)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not exit after the query was in sync")
	}
	require.NoError(t, got.err, got.out)

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(got.out))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 1, "an empty cache raises nothing before the backend answers")

	var resp struct {
		Status string        `json:"status"`
		Data   SnapshotEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "rooms", resp.Data.Query)
	assert.False(t, resp.Data.FromCache)
	assert.Equal(t, []string{"rooms/a", "rooms/b"}, resp.Data.Docs)
	assert.Equal(t, []string{"added rooms/a", "added rooms/b"}, resp.Data.Changes)
	assert.Equal(t, map[string]any{"n": float64(2)}, resp.Data.Data["rooms/b"])
}

func TestSync_RejectedQueryFails(t *testing.T) {
	opts, conn := rootOptions(t, "text", writeConfig(t, "memory"))

	done := make(chan error, 1)
	var out string
	go func() {
		var err error
		out, err = execute(t, NewSyncCommand(opts), "secrets")
		done <- err
	}()

	watch := conn.AwaitStream(t, remote.KindListen, nil)
	id := addTarget(t, watch)
	watch.DeliverChange(remote.WatchTargetChange{
		State:     remote.TargetRemoved,
		TargetIDs: []model.TargetID{id},
		Cause:     remote.Errorf(remote.CodePermissionDenied, "no access"),
	})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "Error [E_QUERY]: listen failed")
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not exit after the query was rejected")
	}
}

func TestSync_StopsOnCancel(t *testing.T) {
	opts, conn := rootOptions(t, "text", writeConfig(t, "memory"))
	cmd := NewSyncCommand(opts)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"rooms"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	conn.AwaitStream(t, remote.KindListen, nil)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not stop on cancel")
	}
}

func TestSnapshotEvent_String(t *testing.T) {
	ev := SnapshotEvent{
		Query:            "rooms",
		FromCache:        true,
		HasPendingWrites: true,
		Docs:             []string{"rooms/a"},
		Changes:          []string{"added rooms/a"},
		Data:             map[string]map[string]any{"rooms/a": {"n": 1}},
	}
	assert.Equal(t, "rooms: 1 docs (from cache, pending writes)\n  added rooms/a\n  rooms/a map[n:1]", ev.String())
}
