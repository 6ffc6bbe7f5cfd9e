package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/msgsearch/internal/config"
)

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Run the indexing consumer without the HTTP API",
		Long: `Run only the consumer that applies message.created events to the search
index. Use it to scale indexing separately from the API when the channel is
NATS JetStream or Redis Streams.

With the memory channel there is no other process to publish events, so the
consumer would sit idle.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsume(ctx, runtimeCfg)
		},
	}
}

func runConsume(ctx context.Context, cfg *config.Config) error {
	if cfg.Channel.Backend == "memory" {
		slog.Warn("consume_memory_channel",
			slog.String("hint", "the memory channel only carries events published in this process"))
	}

	a, err := openApp(ctx, cfg, withIndex|withChannel)
	if err != nil {
		return err
	}
	consumer, err := a.newConsumer()
	if err != nil {
		_ = a.close(context.Background())
		return err
	}

	runErr := consumer.Run(ctx)

	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	closeErr := errors.Join(consumer.Close(), a.close(shutdownCtx))
	a.logger.Info("consumer_exited", slog.Any("status", consumer.Snapshot()))
	if runErr != nil {
		return runErr
	}
	return closeErr
}
