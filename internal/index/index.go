// Package index is the search index adapter. Documents are keyed by message
// id so that applying the same creation event twice leaves one document.
package index

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrIndexNotFound is returned when an operation names an index that was never created.
	ErrIndexNotFound = errors.New("index: not found")
	// ErrIndexExists is returned by Create for an existing index.
	ErrIndexExists = errors.New("index: already exists")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("index: closed")
	// ErrLocked is returned when another process holds the index directory.
	ErrLocked = errors.New("index: directory locked by another process")
)

// Document is the searchable projection of a message.
type Document struct {
	TenantID       string
	ConversationID string
	Content        string
	Timestamp      time.Time
}

// Request is a scoped full-text query.
type Request struct {
	TenantID       string
	ConversationID string
	// Text is analyzed and fuzzily matched against content.
	Text string
	From int
	Size int
}

// Hit is one ranked result.
type Hit struct {
	ID       string
	Score    float64
	Document Document
}

// Index is a named-index search engine.
// Implementations are safe for concurrent use.
type Index interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	// Upsert inserts or replaces the document stored under docID.
	Upsert(ctx context.Context, name, docID string, doc Document) error
	Query(ctx context.Context, name string, req Request) ([]Hit, error)
	Get(ctx context.Context, name, docID string) (Document, bool, error)
	Count(ctx context.Context, name string) (uint64, error)
	Close() error
}
