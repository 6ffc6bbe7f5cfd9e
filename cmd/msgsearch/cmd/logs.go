package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/msgsearch/internal/config"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/logging"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	file    string
}

// newLogsCmd creates the logs command.
func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View msgsearch logs",
		Long: `Show the last lines of the msgsearch log file, optionally following it.

The log file is logging.file_path from the configuration
(default ~/.msgsearch/logs/server.log).

Examples:
  msgsearch logs                      # last 50 entries
  msgsearch logs -f                   # follow new entries
  msgsearch logs --level warn         # warnings and errors only
  msgsearch logs --filter ERR_3       # entries mentioning unavailable errors`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLogs(ctx, cmd.OutOrStdout(), runtimeCfg, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of entries to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Only show lines matching this regular expression")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.file, "file", "", "Log file to read instead of the configured one")

	return cmd
}

func runLogs(ctx context.Context, out io.Writer, cfg *config.Config, opts logsOptions) error {
	path := opts.file
	if path == "" {
		path = logging.ResolvePath(cfg.Logging.FilePath)
	}
	if path == "" {
		return apperrors.ConfigError("file logging is disabled", nil).
			WithSuggestion("Set logging.file_path or pass --file")
	}

	switch opts.level {
	case "", "debug", "info", "warn", "error":
	default:
		return apperrors.ValidationError(fmt.Sprintf("invalid level %q", opts.level), nil)
	}

	vc := logging.ViewerConfig{Level: opts.level, Color: !opts.noColor && isTerminal(out)}
	if opts.filter != "" {
		re, err := regexp.Compile(opts.filter)
		if err != nil {
			return apperrors.ValidationError("invalid --filter pattern", err)
		}
		vc.Pattern = re
	}

	v := logging.NewViewer(vc, out)
	if err := v.Tail(path, opts.lines); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.New(apperrors.ErrCodeFileNotFound, fmt.Sprintf("log file not found: %s", path), err).
				WithSuggestion("Start 'msgsearch serve' or pass --file")
		}
		return err
	}
	if !opts.follow {
		return nil
	}
	return v.Follow(ctx, path)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
