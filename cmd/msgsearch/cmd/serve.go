package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/msgsearch/internal/api"
	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/logging"
	"github.com/Aman-CERP/msgsearch/pkg/version"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the indexing consumer",
		Long: `Start the HTTP API together with an in-process consumer that applies
message.created events to the search index.

Endpoints:
  POST /api/messages
  GET  /api/conversations/{conversationId}/messages
  GET  /api/conversations/{conversationId}/messages/search?q=...
  GET  /health
  GET  /metrics

Every /api request needs an x-website-id header naming the tenant.`,
		Example: `  # Serve on the configured address
  msgsearch serve

  # Serve on another port
  msgsearch serve --addr :8080`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := runtimeCfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go reloadLogLevel(ctx)
			return runServe(ctx, cfg, nil)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")

	return cmd
}

// reloadLogLevel applies log level changes from the configuration files
// until ctx is done. Other settings take effect on restart.
func reloadLogLevel(ctx context.Context) {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	err = config.Watch(ctx, cwd, configPath, config.DefaultReloadDebounce, func(c *config.Config) {
		level := c.Server.LogLevel
		if debugMode {
			level = "debug"
		}
		logging.SetLevel(logLevel, level)
		slog.Info("config_reloaded", slog.String("log_level", level))
	})
	if err != nil {
		slog.Warn("config_watch_failed", slog.String("error", err.Error()))
	}
}

// runServe serves until ctx is done or a component fails. When ready is
// non-nil it receives the bound listener address once the server accepts
// connections.
func runServe(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	a, err := openApp(ctx, cfg, withStore|withIndex|withChannel)
	if err != nil {
		return err
	}

	consumer, err := a.newConsumer()
	if err != nil {
		_ = a.close(context.Background())
		return err
	}
	if err := consumer.Connect(ctx); err != nil {
		_ = a.close(context.Background())
		return err
	}
	engine, err := a.newEngine()
	if err != nil {
		_ = consumer.Close()
		_ = a.close(context.Background())
		return err
	}

	srv := &http.Server{
		Handler: api.NewRouter(api.Deps{
			Creator:  a.pipeline,
			Engine:   engine,
			Store:    a.store,
			Consumer: consumer,
			Metrics:  a.metrics,
			Gatherer: a.registry,
			Logger:   a.logger,
			Version:  version.Short(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		_ = consumer.Close()
		_ = a.close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The consumer outlives gctx so events drained at shutdown still reach
	// the index. It is stopped once the pipeline is closed.
	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	consumerDone := make(chan struct{})

	g.Go(func() error {
		defer close(consumerDone)
		return consumer.Run(consumerCtx)
	})

	g.Go(func() error {
		a.logger.Info("server_started",
			slog.String("addr", ln.Addr().String()),
			slog.String("version", version.Short()),
			slog.String("store", cfg.Store.Backend),
			slog.String("channel", cfg.Channel.Backend))
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("server_stopping")

		shutdownCtx, cancel := shutdownContext(cfg)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.pipeline.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: %w", err))
		}
		if cfg.Channel.Backend == "memory" {
			// Nothing outlives the process on the memory channel.
			drainCtx, cancelDrain := context.WithCancel(shutdownCtx)
			go func() {
				select {
				case <-consumerDone:
					cancelDrain()
				case <-drainCtx.Done():
				}
			}()
			drainIndexBacklog(drainCtx, a.logger, consumer, int(a.pipeline.Published()))
			cancelDrain()
		}
		stopConsumer()
		<-consumerDone
		if err := consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer: %w", err))
		}
		if err := a.close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	a.logger.Info("server_stopped", slog.Any("consumer", consumer.Snapshot()))
	return err
}

// drainIndexBacklog waits until the consumer has settled published events.
// Whatever is still pending when ctx ends is lost with the process.
func drainIndexBacklog(ctx context.Context, logger *slog.Logger, c *async.Consumer, published int) {
	if err := awaitSettled(ctx, c, published, nil); err == nil {
		return
	}
	s := c.Snapshot()
	pending := published - (s.Processed + s.Duplicates + s.Dropped + s.DeadLettered)
	logger.Warn("index_backlog_at_shutdown",
		slog.Int("pending", pending),
		slog.String("hint", "run 'msgsearch verify' then 'msgsearch republish --missing-only'"))
}
