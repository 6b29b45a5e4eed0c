package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/model"
	"github.com/roach88/docsync/internal/query"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Groups          []string // collection group ids
	Limit           int
	IncludeMetadata bool
	Once            bool // exit once every query is in sync
	Data            bool // include document fields in the output
}

// SnapshotEvent is one snapshot as printed by sync.
type SnapshotEvent struct {
	Query            string                    `json:"query"`
	FromCache        bool                      `json:"from_cache"`
	HasPendingWrites bool                      `json:"has_pending_writes"`
	Docs             []string                  `json:"docs"`
	Changes          []string                  `json:"changes"`
	Data             map[string]map[string]any `json:"data,omitempty"`
}

func (e SnapshotEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d docs", e.Query, len(e.Docs))
	var state []string
	if e.FromCache {
		state = append(state, "from cache")
	}
	if e.HasPendingWrites {
		state = append(state, "pending writes")
	}
	if len(state) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(state, ", "))
	}
	for _, c := range e.Changes {
		b.WriteString("\n  ")
		b.WriteString(c)
	}
	for _, key := range e.Docs {
		if fields, ok := e.Data[key]; ok {
			fmt.Fprintf(&b, "\n  %s %v", key, fields)
		}
	}
	return b.String()
}

type syncQuery struct {
	label string
	query query.Query
}

type syncEvent struct {
	snap *engine.ViewSnapshot
	err  error
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync [collection-path...]",
		Short: "Follow queries against the backend",
		Long: `Listen to one or more collections and print every snapshot as the
local cache and the backend converge. Pending writes left by an earlier
session are sent as soon as the write stream opens.

Runs until interrupted, or with --once until every query has a snapshot
that is not from cache.

Examples:
  docsync sync rooms
  docsync sync rooms/a/messages --limit 20 --data
  docsync sync --group messages --once --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Groups, "group", nil, "collection group to listen to (repeatable)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "limit each query to its first n documents")
	cmd.Flags().BoolVar(&opts.IncludeMetadata, "metadata", false, "also print metadata-only snapshots")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit once every query is in sync")
	cmd.Flags().BoolVar(&opts.Data, "data", false, "print document fields")

	return cmd
}

func runSync(opts *SyncOptions, paths []string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)

	queries, err := buildSyncQueries(paths, opts.Groups, opts.Limit)
	if err != nil {
		return reportError(f, CodeQuery, ExitCommandError, "invalid query", err)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return reportError(f, CodeConfig, ExitCommandError, "failed to load config", err)
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := openSession(ctx, cfg, opts.RootOptions)
	if err != nil {
		return reportError(f, CodePersistence, ExitCommandError, "failed to open client", err)
	}
	defer s.Close(context.Background())
	f.ClientID = s.client.ID()
	f.VerboseLog("syncing %d queries with %s", len(queries), cfg.Remote.URL)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, sq := range queries {
		events := make(chan syncEvent, 16)
		reg, err := s.client.Listen(gctx, sq.query, engine.ListenOptions{IncludeMetadataChanges: opts.IncludeMetadata},
			func(snap *engine.ViewSnapshot, err error) {
				select {
				case events <- syncEvent{snap: snap, err: err}:
				case <-gctx.Done():
				}
			})
		if err != nil {
			cancel()
			_ = g.Wait()
			return reportError(f, CodeQuery, ExitCommandError, "listen failed", err)
		}

		g.Go(func() error {
			defer reg.Remove(context.Background())
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-events:
					if ev.err != nil {
						return fmt.Errorf("%s: %w", sq.label, ev.err)
					}
					mu.Lock()
					err := f.Success(newSnapshotEvent(sq.label, ev.snap, opts.Data))
					mu.Unlock()
					if err != nil {
						return err
					}
					if opts.Once && !ev.snap.FromCache {
						return nil
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return reportError(f, CodeQuery, ExitFailure, "listen failed", err)
	}
	return nil
}

// buildSyncQueries turns collection paths and group ids into queries.
func buildSyncQueries(paths, groups []string, limit int) ([]syncQuery, error) {
	if len(paths) == 0 && len(groups) == 0 {
		return nil, errors.New("at least one collection path or --group is required")
	}
	if limit < 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var out []syncQuery
	add := func(label string, q query.Query) error {
		if limit > 0 {
			q = q.WithLimitToFirst(limit)
		}
		if err := query.Validate(q); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		out = append(out, syncQuery{label: label, query: q})
		return nil
	}
	for _, p := range paths {
		path, err := model.ParsePath(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if err := add(p, query.AtPath(path)); err != nil {
			return nil, err
		}
	}
	for _, id := range groups {
		if err := add("group:"+id, query.CollectionGroupQuery(id)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newSnapshotEvent(label string, snap *engine.ViewSnapshot, withData bool) SnapshotEvent {
	ev := SnapshotEvent{
		Query:            label,
		FromCache:        snap.FromCache,
		HasPendingWrites: snap.HasPendingWrites(),
		Docs:             []string{},
		Changes:          []string{},
	}
	if withData {
		ev.Data = map[string]map[string]any{}
	}
	for _, doc := range snap.Docs.Documents() {
		key := doc.Key().String()
		ev.Docs = append(ev.Docs, key)
		if withData {
			if fields, ok := model.ToGo(doc.Data().Map()).(map[string]any); ok {
				ev.Data[key] = fields
			}
		}
	}
	for _, c := range snap.DocChanges {
		ev.Changes = append(ev.Changes, c.Type.String()+" "+c.Doc.Key().String())
	}
	return ev
}
