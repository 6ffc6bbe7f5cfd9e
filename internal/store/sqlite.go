package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Aman-CERP/msgsearch/internal/message"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_ms      INTEGER NOT NULL,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(tenant_id, conversation_id, id);
`

// SQLiteStore implements Store on SQLite in WAL mode.
type SQLiteStore struct {
	ids  *message.IDGenerator
	path string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
// ":memory:" or an empty path opens a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: one writer, and an in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if dsn != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Debug("sqlite_store_opened", slog.String("path", dsn))
	return &SQLiteStore{ids: o.ids, path: dsn, db: db}, nil
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, in message.CreateInput) (message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return message.Message{}, ErrClosed
	}

	m, err := newMessage(s.ids, in)
	if err != nil {
		return message.Message{}, err
	}
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return message.Message{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, conversation_id, sender_id, content, created_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.ConversationID, m.SenderID, m.Content, m.Timestamp.UnixMilli(), meta)
	if err != nil {
		return message.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return m, nil
}

// Find implements Store.
func (s *SQLiteStore) Find(ctx context.Context, q FindQuery) ([]message.Message, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT id, tenant_id, conversation_id, sender_id, content, created_ms, metadata
		FROM messages
		WHERE tenant_id = ? AND conversation_id = ?
		ORDER BY id ` + orderDirection(q.Sort) + `
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, q.TenantID, q.ConversationID, q.Limit, q.Skip)
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	return scanSQLiteRows(rows)
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, afterID string, limit int) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, conversation_id, sender_id, content, created_ms, metadata
		 FROM messages WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return scanSQLiteRows(rows)
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != ":memory:" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

func scanSQLiteRows(rows *sql.Rows) ([]message.Message, error) {
	defer rows.Close()

	out := []message.Message{}
	for rows.Next() {
		var (
			m         message.Message
			createdMS int64
			meta      sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.SenderID, &m.Content, &createdMS, &meta); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		m.Timestamp = time.UnixMilli(createdMS).UTC()
		if meta.Valid {
			decoded, err := decodeMetadata([]byte(meta.String))
			if err != nil {
				return nil, err
			}
			m.Metadata = decoded
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate rows: %w", err)
	}
	return out, nil
}

// encodeMetadata returns nil for empty metadata so the column stays NULL.
func encodeMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("store: decode metadata: %w", err)
	}
	return meta, nil
}
