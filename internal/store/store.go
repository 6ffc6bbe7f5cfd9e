// Package store persists messages in the primary store. It is the source of
// truth for listings and for replaying history onto the event channel.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aman-CERP/msgsearch/internal/message"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is the primary message store.
// Implementations are safe for concurrent use.
type Store interface {
	// Insert assigns an id and timestamp and persists the message.
	Insert(ctx context.Context, in message.CreateInput) (message.Message, error)

	// Find returns the messages of one conversation ordered by id.
	Find(ctx context.Context, q FindQuery) ([]message.Message, error)

	// Scan returns up to limit messages of every tenant with id > afterID, in id order.
	Scan(ctx context.Context, afterID string, limit int) ([]message.Message, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// FindQuery selects a page of one conversation.
type FindQuery struct {
	TenantID       string
	ConversationID string
	Sort           message.SortOrder
	Limit          int
	Skip           int
}

// QueryFor builds the FindQuery for a pagination filter.
func QueryFor(tenantID, conversationID string, f message.Filter) FindQuery {
	return FindQuery{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Sort:           f.Sort,
		Limit:          f.PerPage,
		Skip:           f.Offset(),
	}
}

func (q FindQuery) validate() error {
	if q.Limit < 1 {
		return fmt.Errorf("store: limit must be positive, got %d", q.Limit)
	}
	if q.Skip < 0 {
		return fmt.Errorf("store: skip must be non-negative, got %d", q.Skip)
	}
	return nil
}

// orderDirection maps a sort order onto SQL. Anything but DESC sorts ascending.
func orderDirection(s message.SortOrder) string {
	if s == message.SortDesc {
		return "DESC"
	}
	return "ASC"
}

// Option configures a store.
type Option func(*options)

type options struct {
	ids *message.IDGenerator
}

// WithIDGenerator shares one id generator between stores.
func WithIDGenerator(g *message.IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ids: message.NewIDGenerator()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newMessage assigns the id and timestamp of a validated input.
func newMessage(ids *message.IDGenerator, in message.CreateInput) (message.Message, error) {
	id, ts, err := ids.Next()
	if err != nil {
		return message.Message{}, fmt.Errorf("store: generate id: %w", err)
	}
	return message.Message{
		ID:             id,
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Timestamp:      ts,
		Metadata:       in.Metadata,
	}, nil
}
