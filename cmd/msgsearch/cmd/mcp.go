package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/config"
	mcpserver "github.com/Aman-CERP/msgsearch/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve conversation queries to MCP clients",
		Long: `Start a Model Context Protocol server so AI assistants can query
conversations. Tools: search_messages, list_messages, index_status.

The server opens the search index itself, so it cannot run next to
'msgsearch serve' on the same index directory. With NATS JetStream or Redis
Streams it also runs an indexing consumer, keeping the index current while
another process accepts writes.

Logs go to the log file (and stderr when enabled); stdout carries the
protocol.`,
		Example: `  msgsearch mcp
  claude mcp add msgsearch -- msgsearch mcp --config /etc/msgsearch.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMCP(ctx, runtimeCfg, transport)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport (stdio)")
	return cmd
}

func runMCP(ctx context.Context, cfg *config.Config, transport string) error {
	need := withStore | withIndex
	if cfg.Channel.Backend != "memory" {
		need |= withChannel
	}
	a, err := openApp(ctx, cfg, need)
	if err != nil {
		return err
	}

	var consumer *async.Consumer
	if a.channel != nil {
		if consumer, err = a.newConsumer(); err != nil {
			_ = a.close(context.Background())
			return err
		}
	}
	srv, err := newMCPServer(a, consumer)
	if err != nil {
		_ = a.close(context.Background())
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		// The client closing stdin ends the session and the command.
		defer cancel()
		return srv.Serve(gctx, transport)
	})
	runErr := g.Wait()

	shutdownCtx, cancelShutdown := shutdownContext(cfg)
	defer cancelShutdown()
	var closeErr error
	if consumer != nil {
		closeErr = consumer.Close()
		a.logger.Info("consumer_exited", slog.Any("status", consumer.Snapshot()))
	}
	closeErr = errors.Join(closeErr, a.close(shutdownCtx))
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// newMCPServer wires the MCP tools to the app's engine, index and consumer.
func newMCPServer(a *app, consumer *async.Consumer) (*mcpserver.Server, error) {
	engine, err := a.newEngine()
	if err != nil {
		return nil, err
	}
	opts := []mcpserver.Option{mcpserver.WithIndex(a.index), mcpserver.WithLogger(a.logger)}
	if consumer != nil {
		opts = append(opts, mcpserver.WithStatus(consumer))
	}
	return mcpserver.NewServer(engine, a.cfg, opts...)
}
