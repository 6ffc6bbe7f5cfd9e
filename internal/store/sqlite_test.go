package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/message"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	// Given: a file-backed store with one message
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "messages.db")
	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	m, err := s.Insert(ctx, message.CreateInput{TenantID: "w", ConversationID: "c", SenderID: "u", Content: "kept"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// When: reopening
	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	// Then: the message is still there
	got, err := s.Find(ctx, FindQuery{TenantID: "w", ConversationID: "c", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
	assert.Nil(t, got[0].Metadata)
}

func TestSQLiteStore_CloseIsIdempotent(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestSharedIDGenerator_OrdersAcrossStores(t *testing.T) {
	ctx := context.Background()
	ids := message.NewIDGenerator()
	a := NewMemoryStore(WithIDGenerator(ids))
	b := NewMemoryStore(WithIDGenerator(ids))

	m1, err := a.Insert(ctx, message.CreateInput{TenantID: "w", ConversationID: "c", SenderID: "u", Content: "1"})
	require.NoError(t, err)
	m2, err := b.Insert(ctx, message.CreateInput{TenantID: "w", ConversationID: "c", SenderID: "u", Content: "2"})
	require.NoError(t, err)

	assert.Less(t, m1.ID, m2.ID)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "m.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Backend: "mongo"})
	assert.Error(t, err)

	_, err = Open(ctx, config.StoreConfig{Backend: "postgres", DSN: "::not a dsn::"})
	assert.Error(t, err)
}
