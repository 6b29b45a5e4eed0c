package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docsync/internal/local"
	"github.com/roach88/docsync/internal/remote"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "docsync-local", cfg.Database.ProjectID)
	assert.Equal(t, "(default)", cfg.Database.Database)
	assert.False(t, cfg.Persistence.Memory)
	assert.Equal(t, "sqlite3", cfg.Persistence.Driver)
	assert.Equal(t, remote.StreamOptions{
		IdleTimeout:         60 * time.Second,
		BackoffInitialDelay: time.Second,
		BackoffMaxDelay:     60 * time.Second,
		BackoffFactor:       2,
	}, cfg.Remote.Stream)
	assert.Equal(t, 10, cfg.MaxPendingWrites)
	assert.Equal(t, 10*time.Second, cfg.OnlineStateTimeout)
	assert.Equal(t, remote.DefaultMaxWatchStreamFailures, cfg.MaxWatchStreamFailures)
	assert.Equal(t, remote.DefaultMaxBloomFilterBits, cfg.BloomFilterMaxBits)
	assert.Equal(t, 100, cfg.MaxConcurrentLimboResolutions)
	assert.Equal(t, 5*time.Minute, cfg.ResumeTokenMaxAge)
	assert.Equal(t, local.DefaultLRUParams(), cfg.GC.Params)
	assert.Equal(t, time.Minute, cfg.GC.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.GC.Interval)
	assert.True(t, cfg.Indexes.AutoCreate)
	assert.Equal(t, 100, cfg.Indexes.MinCollectionSize)
	assert.Equal(t, 2.0, cfg.Indexes.RelativeReadCost)
	assert.Equal(t, 50, cfg.Indexes.BackfillMaxDocuments)
	assert.Empty(t, cfg.Indexes.Fields)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "docsync.cue", `
database: project: "acme"
persistence: {
	path:   "/tmp/acme.db"
	driver: "sqlite"
}
gc: {
	percentile: 25
	interval:   "30s"
}
indexes: fields: [{
	collection_group: "rooms"
	segments: [{field: "n"}, {field: "tags", kind: "contains"}]
}]
log: level: "debug"
`)
	cfg, err := Load(Options{File: path, Environ: []string{}})
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Database.ProjectID)
	assert.Equal(t, "/tmp/acme.db", cfg.Persistence.Path)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, 25, cfg.GC.Params.PercentileToCollect)
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	require.Len(t, cfg.Indexes.Fields, 1)
	index := cfg.Indexes.Fields[0]
	assert.Equal(t, "rooms", index.CollectionGroup)
	require.Len(t, index.Segments, 2)
	assert.Equal(t, "n", index.Segments[0].Field.String())
	assert.Equal(t, local.SegmentAscending, index.Segments[0].Kind)
	assert.Equal(t, local.SegmentContains, index.Segments[1].Kind)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "docsync.json", `{"writes": {"max_pending": 3}, "persistence": {"memory": true}}`)
	cfg, err := Load(Options{File: path, Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxPendingWrites)
	assert.True(t, cfg.Persistence.Memory)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeFile(t, "docsync.cue", `gc: percentile: 25`)
	envFile := writeFile(t, ".env", "DOCSYNC_GC_PERCENTILE=30\nDOCSYNC_AUTH_UID=alice\nOTHER=ignored\n")

	cfg, err := Load(Options{
		File:    path,
		EnvFile: envFile,
		Environ: []string{
			"DOCSYNC_GC_PERCENTILE=40",
			"DOCSYNC_INDEXES_AUTO_CREATE=false",
			"DOCSYNC_REMOTE_BACKOFF_FACTOR=1.5",
			"DOCSYNC_WATCH_ONLINE_STATE_TIMEOUT=2s",
			"DOCSYNC_WATCH_MAX_STREAM_FAILURES=3",
			"DOCSYNC_WATCH_BLOOM_FILTER_MAX_BITS=4096",
			"PATH=/usr/bin",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.GC.Params.PercentileToCollect, "process environment beats the env file")
	assert.Equal(t, "alice", cfg.Auth.UID, "env file beats defaults")
	assert.False(t, cfg.Indexes.AutoCreate)
	assert.Equal(t, 1.5, cfg.Remote.Stream.BackoffFactor)
	assert.Equal(t, 2*time.Second, cfg.OnlineStateTimeout)
	assert.Equal(t, 3, cfg.MaxWatchStreamFailures)
	assert.Equal(t, 4096, cfg.BloomFilterMaxBits)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "missing.env"), Environ: []string{}})
	require.NoError(t, err)
}

func TestLoad_DisabledGC(t *testing.T) {
	cfg, err := Load(Options{Environ: []string{"DOCSYNC_GC_CACHE_SIZE_THRESHOLD_BYTES=-1"}})
	require.NoError(t, err)
	assert.Equal(t, local.CacheSizeUnlimited, cfg.GC.Params.CacheSizeCollectionThreshold)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		environ []string
	}{
		{name: "percentile out of range", file: `gc: percentile: 101`},
		{name: "unknown field", file: `gc: bogus: 1`},
		{name: "bad duration", file: `gc: interval: "soon"`},
		{name: "unknown driver", file: `persistence: driver: "postgres"`},
		{name: "empty index", file: `indexes: fields: [{collection_group: "rooms", segments: []}]`},
		{name: "zero pending writes", environ: []string{"DOCSYNC_WRITES_MAX_PENDING=0"}},
		{name: "unparseable env int", environ: []string{"DOCSYNC_WRITES_MAX_PENDING=many"}},
		{name: "bad log level", environ: []string{"DOCSYNC_LOG_LEVEL=loud"}},
		{name: "zero stream failures", file: `watch: max_stream_failures: 0`},
		{name: "negative bloom bits", environ: []string{"DOCSYNC_WATCH_BLOOM_FILTER_MAX_BITS=-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{Environ: tt.environ}
			if opts.Environ == nil {
				opts.Environ = []string{}
			}
			if tt.file != "" {
				opts.File = writeFile(t, "docsync.cue", tt.file)
			}
			_, err := Load(opts)
			assert.Error(t, err)
		})
	}
}

func TestLoad_ErrorNamesSource(t *testing.T) {
	path := writeFile(t, "docsync.cue", `gc: percentile: 101`)
	_, err := Load(Options{File: path, Environ: []string{}})

	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, path, cfgErr.Source)
	assert.Contains(t, err.Error(), path)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DOCSYNC_INDEXES_BACKFILL_MAX_DOCUMENTS", EnvName("indexes.backfill.max_documents"))
}
