// Package search is the read side of msgsearch. Listing reads the primary
// store; full-text search reads the index. A request never combines the two.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/store"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

// MaxQueryBytes bounds the length of a search query.
const MaxQueryBytes = 1024

// SearchEngine answers conversation queries.
type SearchEngine interface {
	List(ctx context.Context, tenantID, conversationID string, f message.Filter) ([]message.Message, error)
	Search(ctx context.Context, tenantID, conversationID, query string, f message.Filter) ([]message.Message, error)
}

// Engine fans queries out to the store or the index.
type Engine struct {
	store     store.Store
	index     index.Index
	indexName string
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// Ensure Engine implements SearchEngine interface.
var _ SearchEngine = (*Engine)(nil)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithIndexName overrides the index searched. Defaults to message.IndexName.
func WithIndexName(name string) EngineOption {
	return func(e *Engine) {
		if name != "" {
			e.indexName = name
		}
	}
}

// WithMetrics sets an optional metrics collector for query counts and latency.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine over s and idx.
// Returns an error if either dependency is nil.
func NewEngine(s store.Store, idx index.Index, opts ...EngineOption) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store", ErrNilDependency)
	}
	if idx == nil {
		return nil, fmt.Errorf("%w: index", ErrNilDependency)
	}
	e := &Engine{
		store:     s,
		index:     idx,
		indexName: message.IndexName,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func validateScope(tenantID, conversationID string) error {
	if err := message.ValidateID("websiteId", tenantID); err != nil {
		return err
	}
	return message.ValidateID("conversationId", conversationID)
}

// List returns one page of a conversation from the primary store, ordered
// by id. An empty page is an empty slice.
func (e *Engine) List(ctx context.Context, tenantID, conversationID string, f message.Filter) ([]message.Message, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery(telemetry.QueryList, time.Since(start)) }()

	if err := validateScope(tenantID, conversationID); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	msgs, err := e.store.Find(ctx, store.QueryFor(tenantID, conversationID, f))
	if err != nil {
		e.logger.Warn("list_failed",
			slog.String("tenant", tenantID),
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
		return nil, apperrors.UnavailableError(apperrors.ErrCodeStoreUnavailable,
			"failed to list messages", err).WithScope("list", tenantID, conversationID)
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return msgs, nil
}

// Search returns one page of a conversation's messages matching query,
// most relevant first. Sender and metadata are not indexed and come back
// empty. A blank query matches nothing.
func (e *Engine) Search(ctx context.Context, tenantID, conversationID, query string, f message.Filter) ([]message.Message, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery(telemetry.QuerySearch, time.Since(start)) }()

	if err := validateScope(tenantID, conversationID); err != nil {
		return nil, err
	}
	// Search ranks by relevance; sort only has to be well formed.
	if f.Sort == "" {
		f.Sort = message.SortAsc
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(query) > MaxQueryBytes {
		return nil, apperrors.New(apperrors.ErrCodeInvalidQuery,
			fmt.Sprintf("query exceeds %d bytes", MaxQueryBytes), nil)
	}
	if strings.TrimSpace(query) == "" {
		return []message.Message{}, nil
	}

	hits, err := e.index.Query(ctx, e.indexName, index.Request{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Text:           query,
		From:           f.Offset(),
		Size:           f.PerPage,
	})
	if err != nil {
		e.logger.Warn("search_failed",
			slog.String("tenant", tenantID),
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()))
		if errors.Is(err, index.ErrIndexNotFound) || errors.Is(err, index.ErrClosed) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.UnavailableError(apperrors.ErrCodeIndexUnavailable,
				"failed to search messages", err).WithScope("search", tenantID, conversationID)
		}
		return nil, apperrors.New(apperrors.ErrCodeSearchFailed,
			"failed to search messages", err).WithScope("search", tenantID, conversationID)
	}

	out := make([]message.Message, 0, len(hits))
	for _, h := range hits {
		out = append(out, message.Message{
			ID:             h.ID,
			TenantID:       h.Document.TenantID,
			ConversationID: h.Document.ConversationID,
			Content:        h.Document.Content,
			Timestamp:      h.Document.Timestamp,
		})
	}
	e.logger.Debug("search_completed",
		slog.String("tenant", tenantID),
		slog.String("conversation", conversationID),
		slog.Int("results", len(out)),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}
