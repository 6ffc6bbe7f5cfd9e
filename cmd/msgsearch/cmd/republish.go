package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/ingest"
	"github.com/Aman-CERP/msgsearch/internal/output"
	"github.com/Aman-CERP/msgsearch/internal/ui"
)

func newRepublishCmd() *cobra.Command {
	var (
		opts       ingest.ReplayOptions
		jsonOutput bool
		noTUI      bool
	)

	cmd := &cobra.Command{
		Use:   "republish",
		Short: "Replay stored messages onto the event channel",
		Long: `Republish message.created events for messages already in the primary
store, so the consumer repairs an index that missed them. Events carry the
stored id, so replaying an indexed message is harmless.

Messages are replayed in id order. --missing-only compares each message with
the index first and requires opening it, which fails while a server holds the
index directory.`,
		Example: `  # Replay everything
  msgsearch republish

  # Replay only what the index lacks
  msgsearch republish --missing-only

  # Resume after a known id, at most 1000 messages
  msgsearch republish --after 01HZX3Q0000000000000000000 --limit 1000

  # Count without publishing
  msgsearch republish --missing-only --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout(), jsonOutput)
			return runRepublish(cmd.Context(), runtimeCfg, out, opts, noTUI)
		},
	}

	cmd.Flags().StringVar(&opts.AfterID, "after", "", "Start after this message id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum messages to scan (0 = all)")
	cmd.Flags().BoolVar(&opts.MissingOnly, "missing-only", false, "Only republish messages missing from or stale in the index")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be published without publishing")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "Print plain progress lines even on a terminal")

	return cmd
}

func runRepublish(ctx context.Context, cfg *config.Config, out *output.Writer, opts ingest.ReplayOptions, noTUI bool) error {
	need := withStore | withChannel
	inline := cfg.Channel.Backend == "memory" && !opts.DryRun
	if opts.MissingOnly || inline {
		need |= withIndex
	}
	a, err := openApp(ctx, cfg, need)
	if err != nil {
		return err
	}
	shutdownCtx, cancelShutdown := shutdownContext(cfg)
	defer cancelShutdown()
	defer func() { _ = a.close(shutdownCtx) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var consumer *async.Consumer
	if inline {
		if consumer, err = a.newConsumer(); err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
		if err := consumer.Connect(ctx); err != nil {
			return err
		}
		consumer.Start(ctx)
	}

	renderer := newReplayRenderer(ctx, out, cfg, noTUI, cancel)
	defer func() { _ = renderer.Stop() }()
	opts.Progress = func(st ingest.ReplayStats) {
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage: ui.StageReplaying, Current: st.Scanned, Total: opts.Limit, LastID: st.LastID,
		})
	}

	// A nil *BleveEngine must not become a non-nil index.Index.
	var idx index.Index
	if a.index != nil {
		idx = a.index
	}
	stats, err := ingest.NewReplayer(a.store, a.pipeline, idx, cfg.Index.Name).Replay(ctx, opts)
	if err != nil {
		renderer.AddError(ui.ErrorEvent{MessageID: stats.LastID, Err: err})
		return err
	}

	warnings := 0
	if consumer != nil {
		renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageSettling, Total: stats.Published})
		err := awaitSettled(shutdownCtx, consumer, stats.Published, func(settled int) {
			renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageSettling, Current: settled, Total: stats.Published})
		})
		if err != nil {
			warnings++
			renderer.AddError(ui.ErrorEvent{Err: fmt.Errorf("consumer has not settled every replayed event: %w", err), IsWarn: true})
		}
	}

	if out.JSONMode() {
		return out.Value(stats)
	}
	renderer.Complete(ui.CompletionStats{
		Scanned:   stats.Scanned,
		Published: stats.Published,
		Skipped:   stats.Skipped,
		DryRun:    opts.DryRun,
		Duration:  stats.Duration,
		Warnings:  warnings,
	})
	_ = renderer.Stop()
	if stats.LastID != "" {
		out.Statusf("💡", "Resume with --after %s", stats.LastID)
	}
	return nil
}

// newReplayRenderer returns the progress display for a text-mode replay and
// a silent one for JSON output.
func newReplayRenderer(ctx context.Context, out *output.Writer, cfg *config.Config, noTUI bool, interrupt func()) ui.Renderer {
	if out.JSONMode() {
		return ui.NewPlainRenderer(ui.NewConfig(io.Discard))
	}
	r := ui.NewRenderer(ui.NewConfig(out.Out(),
		ui.WithForcePlain(noTUI),
		ui.WithTitle(cfg.Channel.Backend),
		ui.WithInterrupt(interrupt),
	))
	_ = r.Start(ctx)
	return r
}

func newVerifyCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare the primary store with the search index",
		Long: `Check every stored message against the search index and report those
that are missing from it or indexed with stale content. Nothing is changed;
run 'msgsearch republish --missing-only' to repair.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout(), jsonOutput)
			return runVerify(cmd.Context(), runtimeCfg, out)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// verifyReport is the JSON form of a consistency check.
type verifyReport struct {
	Checked         int            `json:"checked"`
	Inconsistencies []verifyEntry  `json:"inconsistencies"`
	Counts          map[string]int `json:"counts"`
	DurationMS      int64          `json:"duration_ms"`
}

type verifyEntry struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Details   string `json:"details,omitempty"`
}

func runVerify(ctx context.Context, cfg *config.Config, out *output.Writer) error {
	a, err := openApp(ctx, cfg, withStore|withIndex)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.Background()) }()

	res, err := ingest.NewReplayer(a.store, nil, a.index, cfg.Index.Name).Check(ctx)
	if err != nil {
		return err
	}

	report := verifyReport{
		Checked:         res.Checked,
		Inconsistencies: make([]verifyEntry, 0, len(res.Inconsistencies)),
		Counts:          make(map[string]int),
		DurationMS:      res.Duration.Milliseconds(),
	}
	for _, inc := range res.Inconsistencies {
		report.Inconsistencies = append(report.Inconsistencies, verifyEntry{
			Type: inc.Type.String(), MessageID: inc.MessageID, Details: inc.Details,
		})
		report.Counts[inc.Type.String()]++
	}

	var failed error
	if n := len(report.Inconsistencies); n > 0 {
		failed = fmt.Errorf("found %d inconsistencies", n)
	}

	if out.JSONMode() {
		if err := out.Value(report); err != nil {
			return err
		}
		return failed
	}
	if failed == nil {
		out.Successf("Index is consistent (%d messages checked)", report.Checked)
		return nil
	}
	out.Warningf("%d of %d messages need reindexing", len(report.Inconsistencies), report.Checked)
	for kind, n := range report.Counts {
		out.Statusf("", "%s: %d", kind, n)
	}
	for _, e := range report.Inconsistencies {
		out.Statusf("", "%s %s %s", e.Type, e.MessageID, e.Details)
	}
	out.Status("💡", "Run 'msgsearch republish --missing-only' to repair")
	return failed
}
