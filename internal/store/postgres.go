package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Aman-CERP/msgsearch/internal/message"
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
// The pool is owned by the store and closed with it.
type PostgresStore struct {
	ids    *message.IDGenerator
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresPool parses dsn, applies maxConns, and waits until a connection
// can be acquired.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	if err := pingPool(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewPostgresStore creates the schema if needed and returns the store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, schema string, opts ...Option) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("store: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "msgsearch"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("store: invalid schema identifier %q", schema)
	}

	o := buildOptions(opts)
	s := &PostgresStore{ids: o.ids, pool: pool, schema: schema}
	if _, err := pool.Exec(ctx, s.schemaSQL()); err != nil {
		return nil, fmt.Errorf("store: create postgres schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "messages"}.Sanitize()
}

func (s *PostgresStore) schemaSQL() string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	metadata        JSONB
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON %s (tenant_id, conversation_id, id);
`, pgx.Identifier{s.schema}.Sanitize(), s.table(), s.table())
}

// findSQL builds the page query; the direction comes from a closed set.
func (s *PostgresStore) findSQL(sort message.SortOrder) string {
	return fmt.Sprintf(`SELECT id, tenant_id, conversation_id, sender_id, content, created_at, metadata
FROM %s
WHERE tenant_id = $1 AND conversation_id = $2
ORDER BY id %s
LIMIT $3 OFFSET $4`, s.table(), orderDirection(sort))
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, in message.CreateInput) (message.Message, error) {
	m, err := newMessage(s.ids, in)
	if err != nil {
		return message.Message{}, err
	}

	var meta any
	if len(m.Metadata) > 0 {
		meta = m.Metadata
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tenant_id, conversation_id, sender_id, content, created_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table()),
		m.ID, m.TenantID, m.ConversationID, m.SenderID, m.Content, m.Timestamp, meta)
	if err != nil {
		return message.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return m, nil
}

// Find implements Store.
func (s *PostgresStore) Find(ctx context.Context, q FindQuery) ([]message.Message, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, s.findSQL(q.Sort), q.TenantID, q.ConversationID, q.Limit, q.Skip)
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	return collectPostgresRows(rows)
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, afterID string, limit int) ([]message.Message, error) {
	query := fmt.Sprintf(`SELECT id, tenant_id, conversation_id, sender_id, content, created_at, metadata
FROM %s WHERE id > $1 ORDER BY id ASC`, s.table())
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return collectPostgresRows(rows)
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return pingPool(ctx, s.pool, 3*time.Second)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectPostgresRows(rows pgx.Rows) ([]message.Message, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (message.Message, error) {
		var m message.Message
		if err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.SenderID, &m.Content, &m.Timestamp, &m.Metadata); err != nil {
			return message.Message{}, err
		}
		m.Timestamp = m.Timestamp.UTC()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: read rows: %w", err)
	}
	if out == nil {
		out = []message.Message{}
	}
	return out, nil
}

// pingPool checks if we can acquire a connection within timeout.
func pingPool(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: postgres unreachable: %w", err)
	}
	conn.Release()
	return nil
}
