package index

import (
	"context"
	"errors"
	"log/slog"
)

// EnsureIndex creates the named index if it does not exist yet.
// Safe to call on every startup and from concurrent processes sharing an engine.
func EnsureIndex(ctx context.Context, idx Index, name string) error {
	exists, err := idx.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		slog.Info("index_exists", slog.String("index", name))
		return nil
	}

	if err := idx.Create(ctx, name); err != nil {
		if errors.Is(err, ErrIndexExists) {
			return nil
		}
		return err
	}
	slog.Info("index_created", slog.String("index", name))
	return nil
}
