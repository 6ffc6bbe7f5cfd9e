package store

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/msgsearch/internal/config"
)

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Path, opts...)
	case "postgres":
		pool, err := NewPostgresPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		s, err := NewPostgresStore(ctx, pool, "", opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(opts...), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
