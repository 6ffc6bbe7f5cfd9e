// Package cmd provides the CLI commands for msgsearch.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/msgsearch/internal/config"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/logging"
	"github.com/Aman-CERP/msgsearch/internal/profiling"
	"github.com/Aman-CERP/msgsearch/pkg/version"
)

// skipConfigAnnotation marks commands that run without loading configuration.
const skipConfigAnnotation = "msgsearch/skip-config"

// Global flags
var (
	configPath  string
	debugMode   bool
	profileOpts profiling.Options
)

// Set up by the root PersistentPreRunE.
var (
	runtimeCfg     *config.Config
	loggingCleanup func()
	profile        *profiling.Session
)

// logLevel is shared by every logger Setup builds so serve can change it.
var logLevel = new(slog.LevelVar)

// NewRootCmd creates the root command for the msgsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msgsearch",
		Short: "Chat message storage with asynchronous full-text search",
		Long: `msgsearch stores chat messages in a primary store and keeps a search
index up to date through an event channel.

Writes are persisted first; a message.created event is then published and a
consumer applies it to the index. Listing reads the store, searching reads
the index.

Run 'msgsearch serve' to start the HTTP API with an in-process consumer.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("msgsearch version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: msgsearch.yaml in the working directory)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startRuntime
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		return stopRuntime()
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConsumeCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newRepublishCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startRuntime starts profiling, loads the effective configuration and
// installs the default logger.
func startRuntime(cmd *cobra.Command, _ []string) error {
	if profileOpts.Enabled() {
		s, err := profiling.Start(profileOpts)
		if err != nil {
			return err
		}
		profile = s
	}
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := config.Load(cwd, configPath)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return err
		}
		return apperrors.ConfigError("failed to load configuration", err)
	}
	if debugMode {
		cfg.Server.LogLevel = "debug"
	}
	runtimeCfg = cfg

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Server.LogLevel,
		FilePath:      logging.ResolvePath(cfg.Logging.FilePath),
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: cfg.Logging.Stderr,
		LevelVar:      logLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("config_loaded",
		slog.String("store", cfg.Store.Backend),
		slog.String("channel", cfg.Channel.Backend),
		slog.String("index_path", cfg.Index.Path))
	return nil
}

// stopRuntime writes requested profiles, then flushes and closes the log
// file. Safe to call more than once.
func stopRuntime() error {
	var err error
	if profile != nil {
		err = profile.Stop()
		profile = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command and prints a failure the way an operator
// expects to read it.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprint(root.ErrOrStderr(), apperrors.FormatForCLI(err))
	}
	_ = stopRuntime()
	return err
}
