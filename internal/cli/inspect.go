package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/local"
)

// InspectResult is the local cache summary printed by inspect.
type InspectResult struct {
	ClientID                    string `json:"client_id"`
	User                        string `json:"user"`
	Targets                     int    `json:"targets"`
	RemoteDocuments             int    `json:"remote_documents"`
	CacheSizeBytes              int64  `json:"cache_size_bytes"`
	PendingBatches              int    `json:"pending_batches"`
	Overlays                    int    `json:"overlays"`
	FieldIndexes                int    `json:"field_indexes"`
	HighestTargetID             int64  `json:"highest_target_id"`
	HighestListenSequenceNumber int64  `json:"highest_listen_sequence_number"`
	LastRemoteSnapshotMicros    int64  `json:"last_remote_snapshot_micros"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the local cache",
		Long: `Open the configured local store and report what it holds: cached
targets and documents, pending write batches, overlays and field indexes.

The network stays disabled; pending writes are left for the next sync.

Examples:
  docsync inspect
  docsync inspect --config docsync.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd)
		},
	}
	return cmd
}

func runInspect(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts)
	cfg, err := opts.loadConfig()
	if err != nil {
		return reportError(f, CodeConfig, ExitCommandError, "failed to load config", err)
	}

	ctx := commandContext(cmd)
	s, err := openOffline(ctx, cfg, opts, f)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	stats, err := s.client.Stats(ctx)
	if err != nil {
		return reportError(f, CodeClient, ExitCommandError, "failed to read stats", err)
	}
	result := newInspectResult(s.client.ID(), stats)
	if opts.Format == "json" {
		return f.Success(result)
	}
	writeInspectText(f.Writer, result)
	return nil
}

func newInspectResult(clientID string, stats local.Stats) InspectResult {
	return InspectResult{
		ClientID:                    clientID,
		User:                        stats.User,
		Targets:                     stats.Targets,
		RemoteDocuments:             stats.RemoteDocuments,
		CacheSizeBytes:              stats.CacheSizeBytes,
		PendingBatches:              stats.PendingBatches,
		Overlays:                    stats.Overlays,
		FieldIndexes:                stats.FieldIndexes,
		HighestTargetID:             int64(stats.HighestTargetID),
		HighestListenSequenceNumber: int64(stats.HighestListenSequenceNumber),
		LastRemoteSnapshotMicros:    stats.LastRemoteSnapshotVersion.Micros(),
	}
}

func writeInspectText(w io.Writer, r InspectResult) {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "Client:            %s\n", r.ClientID)
	p.Fprintf(w, "User:              %s\n", r.User)
	p.Fprintf(w, "Targets:           %d\n", r.Targets)
	p.Fprintf(w, "Remote documents:  %d\n", r.RemoteDocuments)
	p.Fprintf(w, "Cache size:        %d bytes\n", r.CacheSizeBytes)
	p.Fprintf(w, "Pending batches:   %d\n", r.PendingBatches)
	p.Fprintf(w, "Overlays:          %d\n", r.Overlays)
	p.Fprintf(w, "Field indexes:     %d\n", r.FieldIndexes)
	p.Fprintf(w, "Highest target:    %d\n", r.HighestTargetID)
	p.Fprintf(w, "Highest sequence:  %d\n", r.HighestListenSequenceNumber)
	if r.LastRemoteSnapshotMicros == 0 {
		fmt.Fprintln(w, "Last snapshot:     never")
	} else {
		p.Fprintf(w, "Last snapshot:     %d us\n", r.LastRemoteSnapshotMicros)
	}
}

// openOffline starts a client with the network disabled.
func openOffline(ctx context.Context, cfg *config.Config, opts *RootOptions, f *OutputFormatter) (*session, error) {
	s, err := openSession(ctx, cfg, opts)
	if err != nil {
		return nil, reportError(f, CodePersistence, ExitCommandError, "failed to open client", err)
	}
	f.ClientID = s.client.ID()
	if err := s.client.DisableNetwork(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, reportError(f, CodeClient, ExitCommandError, "failed to disable network", err)
	}
	f.VerboseLog("opened %s", describeStore(cfg))
	return s, nil
}

func describeStore(cfg *config.Config) string {
	if cfg.Persistence.Memory {
		return "in-memory store"
	}
	return strings.Join([]string{cfg.Persistence.Driver, cfg.Persistence.Path}, ":")
}
