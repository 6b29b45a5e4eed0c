package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/docsync/internal/local"
)

// GCOptions holds flags for the gc command.
type GCOptions struct {
	*RootOptions
	Force      bool // collect even below the cache size threshold
	Percentile int  // overrides the configured percentile when > 0
}

// GCResult reports one collection pass.
type GCResult struct {
	DidRun                   bool  `json:"did_run"`
	SequenceNumbersCollected int   `json:"sequence_numbers_collected"`
	TargetsRemoved           int   `json:"targets_removed"`
	DocumentsRemoved         int   `json:"documents_removed"`
	CacheSizeBefore          int64 `json:"cache_size_before"`
	CacheSizeAfter           int64 `json:"cache_size_after"`
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GCOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run one LRU garbage collection pass",
		Long: `Evict the least recently used inactive targets and the documents only
they reference. Documents with pending writes are never collected.

A pass does nothing while the cache is below the configured size
threshold unless --force is given.

Examples:
  docsync gc
  docsync gc --force --percentile 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "collect regardless of cache size")
	cmd.Flags().IntVar(&opts.Percentile, "percentile", 0, "percentage of sequence numbers to collect (1-100)")

	return cmd
}

func runGC(opts *GCOptions, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)
	if opts.Percentile < 0 || opts.Percentile > 100 {
		return reportError(f, CodeConfig, ExitCommandError, fmt.Sprintf("invalid percentile %d", opts.Percentile), nil)
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return reportError(f, CodeConfig, ExitCommandError, "failed to load config", err)
	}
	if opts.Force {
		cfg.GC.Params.CacheSizeCollectionThreshold = 0
	}
	if opts.Percentile > 0 {
		cfg.GC.Params.PercentileToCollect = opts.Percentile
	}
	if cfg.GC.Params.CacheSizeCollectionThreshold == local.CacheSizeUnlimited {
		f.VerboseLog("garbage collection is disabled by configuration")
	}

	ctx := commandContext(cmd)
	s, err := openOffline(ctx, cfg, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	before, err := s.client.Stats(ctx)
	if err != nil {
		return reportError(f, CodeClient, ExitCommandError, "failed to read stats", err)
	}
	res, err := s.client.CollectGarbage(ctx)
	if err != nil {
		return reportError(f, CodeClient, ExitCommandError, "garbage collection failed", err)
	}
	after, err := s.client.Stats(ctx)
	if err != nil {
		return reportError(f, CodeClient, ExitCommandError, "failed to read stats", err)
	}

	result := GCResult{
		DidRun:                   res.DidRun,
		SequenceNumbersCollected: res.SequenceNumbersCollected,
		TargetsRemoved:           res.TargetsRemoved,
		DocumentsRemoved:         res.DocumentsRemoved,
		CacheSizeBefore:          before.CacheSizeBytes,
		CacheSizeAfter:           after.CacheSizeBytes,
	}
	if opts.Format == "json" {
		return f.Success(result)
	}
	writeGCText(f.Writer, result)
	return nil
}

func writeGCText(w io.Writer, r GCResult) {
	p := message.NewPrinter(language.English)
	if !r.DidRun {
		p.Fprintf(w, "Skipped: cache holds %d bytes, below the collection threshold\n", r.CacheSizeBefore)
		return
	}
	p.Fprintf(w, "Collected %d sequence numbers\n", r.SequenceNumbersCollected)
	p.Fprintf(w, "Targets removed:   %d\n", r.TargetsRemoved)
	p.Fprintf(w, "Documents removed: %d\n", r.DocumentsRemoved)
	p.Fprintf(w, "Cache size:        %d -> %d bytes\n", r.CacheSizeBefore, r.CacheSizeAfter)
}
