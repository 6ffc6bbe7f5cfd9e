package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/msgsearch/internal/channel"
	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/output"
	"github.com/Aman-CERP/msgsearch/internal/preflight"
	"github.com/Aman-CERP/msgsearch/internal/store"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that msgsearch can run with the current configuration",
		Long: `Run environment checks: free disk space and write access for the data
directories, the file descriptor limit, and whether the configured store,
event channel and index directory can be reached.

An index directory held by a running server is reported as a warning.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, runtimeCfg, verbose, jsonOutput)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show check details")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDoctor(cmd *cobra.Command, cfg *config.Config, verbose, jsonOutput bool) error {
	checker := preflight.New(preflight.WithOutput(cmd.OutOrStdout()), preflight.WithVerbose(verbose))
	results := checker.Run(cmd.Context(), doctorChecks(cfg)...)

	if jsonOutput {
		if err := output.New(cmd.OutOrStdout(), true).Value(results); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}
	if checker.HasCriticalFailures(results) {
		return fmt.Errorf("system check %s", checker.SummaryStatus(results))
	}
	return nil
}

// doctorChecks lists the checks that apply to cfg.
func doctorChecks(cfg *config.Config) []preflight.Check {
	var checks []preflight.Check

	var dirs []string
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path != ":memory:" {
		dirs = append(dirs, filepath.Dir(cfg.Store.Path))
	}
	if cfg.Index.Path != "" {
		dirs = append(dirs, cfg.Index.Path)
	}
	for _, dir := range dirs {
		checks = append(checks, preflight.DiskSpace(dir), preflight.WritePermissions(dir))
	}
	checks = append(checks, preflight.FileDescriptors())

	checks = append(checks, preflight.Reachable("store", true, func(ctx context.Context) error {
		s, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		return s.Ping(ctx)
	}))

	checks = append(checks, preflight.Reachable("channel", true, func(ctx context.Context) error {
		ch, err := channel.Open(ctx, cfg.Channel)
		if err != nil {
			return err
		}
		return ch.Close()
	}))

	if cfg.Index.Path != "" {
		checks = append(checks, preflight.Reachable("index_lock", false, func(context.Context) error {
			e, err := index.NewBleveEngine(cfg.Index.Path)
			if errors.Is(err, index.ErrLocked) {
				return fmt.Errorf("held by a running msgsearch process")
			}
			if err != nil {
				return err
			}
			return e.Close()
		}))
	}
	return checks
}
