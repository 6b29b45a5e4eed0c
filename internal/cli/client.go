package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/persistence"
	"github.com/roach88/docsync/internal/remote"
)

// session is an open client together with the backend it owns.
type session struct {
	client  *engine.Client
	backend persistence.Backend
}

// fixedID hands the client the id the SQLite backend claimed ownership
// with, so both show up under the same id in logs.
type fixedID string

func (id fixedID) Generate() string { return string(id) }

// openSession opens persistence and starts a client as cfg describes.
func openSession(ctx context.Context, cfg *config.Config, opts *RootOptions) (*session, error) {
	logger := slog.Default()
	id := engine.UUIDv7Generator{}.Generate()

	var backend persistence.Backend
	if cfg.Persistence.Memory {
		backend = persistence.NewMemory()
	} else {
		db, err := persistence.OpenSQLite(ctx, cfg.Persistence.Path, persistence.SQLiteOptions{
			Driver:   cfg.Persistence.Driver,
			ClientID: id,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open persistence: %w", err)
		}
		backend = db
	}

	conn := opts.Connection
	if conn == nil {
		conn = remote.NewWebSocketConnection(cfg.Remote.URL, cfg.Database, remote.WithConnectionLogger(logger))
	}

	client, err := engine.NewClient(ctx, backend, conn, clientOptions(cfg, logger, id)...)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("start client: %w", err)
	}
	s := &session{client: client, backend: backend}

	if len(cfg.Indexes.Fields) > 0 {
		if err := client.ConfigureFieldIndexes(ctx, cfg.Indexes.Fields); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("configure field indexes: %w", err)
		}
	}
	return s, nil
}

// clientOptions maps the resolved configuration onto client options.
func clientOptions(cfg *config.Config, logger *slog.Logger, id string) []engine.ClientOption {
	auth := remote.StaticCredentials{Token: cfg.Auth.Token, User: remote.User{UID: cfg.Auth.UID}}
	return []engine.ClientOption{
		engine.WithLogger(logger),
		engine.WithClientIDGenerator(fixedID(id)),
		engine.WithDatabase(cfg.Database),
		engine.WithCredentials(auth, remote.EmptyCredentials{}),
		engine.WithStreamOptions(cfg.Remote.Stream),
		engine.WithMaxPendingWrites(cfg.MaxPendingWrites),
		engine.WithOnlineStateTimeout(cfg.OnlineStateTimeout),
		engine.WithMaxWatchStreamFailures(cfg.MaxWatchStreamFailures),
		engine.WithMaxBloomFilterBits(cfg.BloomFilterMaxBits),
		engine.WithMaxConcurrentLimboResolutions(cfg.MaxConcurrentLimboResolutions),
		engine.WithResumeTokenMaxAge(cfg.ResumeTokenMaxAge),
		engine.WithGarbageCollection(cfg.GC.Params, cfg.GC.InitialDelay, cfg.GC.Interval),
		engine.WithIndexBackfill(cfg.Indexes.BackfillInitialDelay, cfg.Indexes.BackfillInterval, cfg.Indexes.BackfillMaxDocuments),
		engine.WithIndexAutoCreation(cfg.Indexes.AutoCreate, cfg.Indexes.MinCollectionSize, cfg.Indexes.RelativeReadCost),
		engine.WithExistenceFilterMismatchObserver(func(m remote.ExistenceFilterMismatch) {
			logger.Info("existence filter mismatch",
				"target", m.TargetID,
				"local", m.LocalCount,
				"expected", m.ExpectedCount,
				"bloom", m.Outcome.String(),
			)
		}),
	}
}

// Close shuts the client down, then releases the backend.
func (s *session) Close(ctx context.Context) error {
	return errors.Join(s.client.Shutdown(ctx), s.backend.Close())
}
