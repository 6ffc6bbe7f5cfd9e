package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Aman-CERP/msgsearch/internal/message"
)

// MemoryStore keeps messages in process. Used by tests and the memory backend.
type MemoryStore struct {
	ids *message.IDGenerator

	mu       sync.RWMutex
	messages []message.Message // ordered by id
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{ids: o.ids}
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, in message.CreateInput) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.Message{}, ErrClosed
	}

	m, err := newMessage(s.ids, in)
	if err != nil {
		return message.Message{}, err
	}
	m.Metadata = cloneMetadata(in.Metadata)

	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID > m.ID })
	s.messages = append(s.messages, message.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return m, nil
}

// Find implements Store.
func (s *MemoryStore) Find(ctx context.Context, q FindQuery) ([]message.Message, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var matched []message.Message
	for _, m := range s.messages {
		if m.TenantID == q.TenantID && m.ConversationID == q.ConversationID {
			matched = append(matched, m)
		}
	}
	if q.Sort == message.SortDesc {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	if q.Skip >= len(matched) {
		return []message.Message{}, nil
	}
	end := q.Skip + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]message.Message, 0, end-q.Skip)
	for _, m := range matched[q.Skip:end] {
		m.Metadata = cloneMetadata(m.Metadata)
		out = append(out, m)
	}
	return out, nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(ctx context.Context, afterID string, limit int) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID > afterID })
	end := i + limit
	if limit <= 0 || end > len(s.messages) {
		end = len(s.messages)
	}
	out := make([]message.Message, 0, end-i)
	for _, m := range s.messages[i:end] {
		m.Metadata = cloneMetadata(m.Metadata)
		out = append(out, m)
	}
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
