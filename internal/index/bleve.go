package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/gofrs/flock"
)

var indexNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

const lockFileName = ".msgsearch-index.lock"

// BleveEngine implements Index on bleve. Each named index is a bleve index
// under root; an empty root keeps every index in memory.
type BleveEngine struct {
	root string
	lock *flock.Flock

	mu      sync.RWMutex
	indexes map[string]bleve.Index
	closed  bool
}

var _ Index = (*BleveEngine)(nil)

// NewBleveEngine opens an engine rooted at dir, taking an exclusive lock on
// the directory so that two processes never write the same index.
func NewBleveEngine(dir string) (*BleveEngine, error) {
	e := &BleveEngine{root: dir, indexes: make(map[string]bleve.Index)}
	if dir == "" {
		return e, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory %s: %w", dir, err)
	}
	e.lock = flock.New(filepath.Join(dir, lockFileName))
	locked, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock index directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return e, nil
}

// NewMemEngine returns an engine that keeps every index in memory.
func NewMemEngine() *BleveEngine {
	e, _ := NewBleveEngine("")
	return e
}

func (e *BleveEngine) path(name string) string {
	return filepath.Join(e.root, name+".bleve")
}

// lookupLocked returns the open index, opening it from disk on first use.
// Must be called with e.mu held for writing.
func (e *BleveEngine) lookupLocked(name string) (bleve.Index, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if idx, ok := e.indexes[name]; ok {
		return idx, nil
	}
	if e.root == "" || !indexNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}

	idx, err := bleve.Open(e.path(name))
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	if err != nil && isCorruptionError(err) {
		slog.Warn("index_corrupted",
			slog.String("index", name),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(e.path(name)); removeErr != nil {
			return nil, fmt.Errorf("index %s corrupted and cannot be removed: %w (original: %v)", name, removeErr, err)
		}
		slog.Info("index_cleared",
			slog.String("index", name),
			slog.String("reason", "corruption detected, run republish to rebuild"))
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", name, err)
	}
	e.indexes[name] = idx
	return idx, nil
}

func (e *BleveEngine) get(name string) (bleve.Index, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}
	idx, ok := e.indexes[name]
	e.mu.RUnlock()
	if ok {
		return idx, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookupLocked(name)
}

// Exists implements Index.
func (e *BleveEngine) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := e.get(name)
	if errors.Is(err, ErrIndexNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create implements Index.
func (e *BleveEngine) Create(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !indexNameRe.MatchString(name) {
		return fmt.Errorf("index: invalid name %q", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.lookupLocked(name)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrIndexExists, name)
	}
	if !errors.Is(err, ErrIndexNotFound) {
		return err
	}

	var idx bleve.Index
	if e.root == "" {
		idx, err = bleve.NewMemOnly(newMessageMapping())
	} else {
		idx, err = bleve.New(e.path(name), newMessageMapping())
	}
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	e.indexes[name] = idx
	return nil
}

// Upsert implements Index. Indexing an existing id replaces the document.
func (e *BleveEngine) Upsert(ctx context.Context, name, docID string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if docID == "" {
		return fmt.Errorf("index: empty document id")
	}
	idx, err := e.get(name)
	if err != nil {
		return err
	}

	bd := bleveDoc{
		TenantID:       doc.TenantID,
		ConversationID: doc.ConversationID,
		Content:        doc.Content,
		Timestamp:      doc.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if err := idx.Index(docID, bd); err != nil {
		return fmt.Errorf("failed to index document %s: %w", docID, err)
	}
	return nil
}

// Query implements Index. Hits are ranked by relevance, ties broken by id.
func (e *BleveEngine) Query(ctx context.Context, name string, req Request) ([]Hit, error) {
	idx, err := e.get(name)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" || req.Size <= 0 {
		return []Hit{}, nil
	}

	q := buildQuery(idx.Mapping(), req)
	if q == nil {
		return []Hit{}, nil
	}

	sr := bleve.NewSearchRequestOptions(q, req.Size, req.From, false)
	sr.Fields = []string{FieldTenant, FieldConversation, FieldContent, FieldTimestamp}
	sr.SortBy([]string{"-_score", "_id"})

	res, err := idx.SearchInContext(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Document: documentFromFields(h.Fields)})
	}
	return hits, nil
}

// Get implements Index.
func (e *BleveEngine) Get(ctx context.Context, name, docID string) (Document, bool, error) {
	idx, err := e.get(name)
	if err != nil {
		return Document{}, false, err
	}

	sr := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{docID}))
	sr.Fields = []string{FieldTenant, FieldConversation, FieldContent, FieldTimestamp}
	res, err := idx.SearchInContext(ctx, sr)
	if err != nil {
		return Document{}, false, fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	if len(res.Hits) == 0 {
		return Document{}, false, nil
	}
	return documentFromFields(res.Hits[0].Fields), true, nil
}

// Count implements Index.
func (e *BleveEngine) Count(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	idx, err := e.get(name)
	if err != nil {
		return 0, err
	}
	return idx.DocCount()
}

// Close closes every open index and releases the directory lock.
func (e *BleveEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for name, idx := range e.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index %s: %w", name, err))
		}
	}
	e.indexes = nil
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release index lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

func documentFromFields(fields map[string]interface{}) Document {
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}
	doc := Document{
		TenantID:       str(FieldTenant),
		ConversationID: str(FieldConversation),
		Content:        str(FieldContent),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str(FieldTimestamp)); err == nil {
		doc.Timestamp = ts.UTC()
	}
	return doc
}

// isCorruptionError checks if an error indicates bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		errors.Is(err, bleve.ErrorIndexMetaCorrupt)
}
