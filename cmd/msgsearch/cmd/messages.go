package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/config"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/output"
	"github.com/Aman-CERP/msgsearch/internal/store"
)

// scopeFlags are the tenant and conversation every message command needs.
type scopeFlags struct {
	tenant       string
	conversation string
}

func (s *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.tenant, "website", "w", "", "Tenant (website) id")
	cmd.Flags().StringVar(&s.conversation, "conversation", "", "Conversation id")
	_ = cmd.MarkFlagRequired("website")
	_ = cmd.MarkFlagRequired("conversation")
}

// pageFlags mirror the page, perPage and sort query parameters of the API.
type pageFlags struct {
	page    int
	perPage int
	sort    string
}

func (p *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.page, "page", message.DefaultPage, "Page number, starting at 1")
	cmd.Flags().IntVar(&p.perPage, "per-page", message.DefaultPerPage, "Messages per page")
	cmd.Flags().StringVar(&p.sort, "sort", string(message.SortAsc), "Sort order: ASC or DESC")
}

func (p *pageFlags) filter() (message.Filter, error) {
	sort, err := message.ParseSort(p.sort)
	if err != nil {
		return message.Filter{}, err
	}
	f := message.Filter{Page: p.page, PerPage: p.perPage, Sort: sort}
	return f, f.Validate()
}

func newCreateCmd() *cobra.Command {
	var (
		scope      scopeFlags
		sender     string
		metadata   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create <content>",
		Short: "Create a message",
		Long: `Persist a message and publish its creation event, exactly as
POST /api/messages does.

With the memory channel an in-process consumer indexes the message before
the command exits.`,
		Example: `  msgsearch create --website w1 --conversation c1 --sender u1 "Hello there!"

  # Attach metadata
  msgsearch create -w w1 --conversation c1 --sender u1 --metadata '{"channel":"web"}' "Hi"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := message.CreateInput{
				TenantID:       scope.tenant,
				ConversationID: scope.conversation,
				SenderID:       sender,
				Content:        args[0],
			}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &in.Metadata); err != nil {
					return apperrors.ValidationError("--metadata must be a JSON object", err)
				}
			}
			out := output.New(cmd.OutOrStdout(), jsonOutput)
			return runCreate(cmd.Context(), runtimeCfg, out, in)
		},
	}

	scope.register(cmd)
	cmd.Flags().StringVar(&sender, "sender", "", "Sender id")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Metadata as a JSON object")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("sender")

	return cmd
}

func runCreate(ctx context.Context, cfg *config.Config, out *output.Writer, in message.CreateInput) error {
	need := withStore | withChannel
	inline := cfg.Channel.Backend == "memory"
	if inline {
		need |= withIndex
	}
	a, err := openApp(ctx, cfg, need)
	if err != nil {
		return err
	}
	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	defer func() { _ = a.close(shutdownCtx) }()

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

	m, err := a.pipeline.Create(ctx, in)
	if err != nil {
		return err
	}
	if err := a.pipeline.Close(shutdownCtx); err != nil {
		return fmt.Errorf("waiting for publish: %w", err)
	}
	if consumer != nil {
		if err := awaitSettled(shutdownCtx, consumer, 1, nil); err != nil {
			out.Warningf("message %s stored but not yet indexed: %v", m.ID, err)
		}
	}

	if out.JSONMode() {
		return out.Value(m)
	}
	out.Successf("Created message %s", m.ID)
	out.Statusf("🕒", "Timestamp: %s", m.Timestamp.UTC().Format(time.RFC3339Nano))
	return nil
}

// awaitSettled waits until the consumer has settled n events, one way or
// another. progress, when set, receives the settled count on every poll.
func awaitSettled(ctx context.Context, c *async.Consumer, n int, progress func(settled int)) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s := c.Snapshot()
		settled := s.Processed + s.Duplicates + s.Dropped + s.DeadLettered
		if progress != nil {
			progress(settled)
		}
		if settled >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newListCmd() *cobra.Command {
	var (
		scope      scopeFlags
		page       pageFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the messages of a conversation",
		Long: `List one page of a conversation straight from the primary store,
ordered by creation time. Only the store is opened, so this works while a
server holds the search index.`,
		Example: `  msgsearch list --website w1 --conversation c1
  msgsearch list -w w1 --conversation c1 --page 2 --per-page 20 --sort DESC`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := page.filter()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout(), jsonOutput)
			return runList(cmd.Context(), runtimeCfg, out, scope, f)
		},
	}

	scope.register(cmd)
	page.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runList(ctx context.Context, cfg *config.Config, out *output.Writer, scope scopeFlags, f message.Filter) error {
	if err := message.ValidateID("websiteId", scope.tenant); err != nil {
		return err
	}
	if err := message.ValidateID("conversationId", scope.conversation); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, withStore)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.Background()) }()

	msgs, err := a.store.Find(ctx, store.QueryFor(scope.tenant, scope.conversation, f))
	if err != nil {
		return apperrors.UnavailableError(apperrors.ErrCodeStoreUnavailable, "failed to list messages", err)
	}
	slog.Debug("messages_listed", slog.Int("count", len(msgs)))
	return out.Messages(msgs)
}

func newSearchCmd() *cobra.Command {
	var (
		scope      scopeFlags
		page       pageFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search within a conversation",
		Long: `Search message content within one conversation. Terms are matched
case-insensitively with typo tolerance and results are ranked by relevance.

The search index directory is locked by a running server; query the server's
HTTP API instead while it is up.`,
		Example: `  msgsearch search --website w1 --conversation c1 hello
  msgsearch search -w w1 --conversation c1 --per-page 5 "order status"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := page.filter()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout(), jsonOutput)
			return runSearch(cmd.Context(), runtimeCfg, out, scope, strings.Join(args, " "), f)
		},
	}

	scope.register(cmd)
	page.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runSearch(ctx context.Context, cfg *config.Config, out *output.Writer, scope scopeFlags, query string, f message.Filter) error {
	a, err := openApp(ctx, cfg, withStore|withIndex)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.Background()) }()

	engine, err := a.newEngine()
	if err != nil {
		return err
	}
	msgs, err := engine.Search(ctx, scope.tenant, scope.conversation, query, f)
	if err != nil {
		return err
	}
	return out.Messages(msgs)
}
