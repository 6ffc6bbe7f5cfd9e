package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/channel"
	"github.com/Aman-CERP/msgsearch/internal/config"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/ingest"
	"github.com/Aman-CERP/msgsearch/internal/search"
	"github.com/Aman-CERP/msgsearch/internal/store"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

// component selects what openApp connects to.
type component uint8

const (
	withStore component = 1 << iota
	withIndex
	withChannel
)

// app holds the collaborators a command needs. Fields for components that
// were not requested stay nil.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	store    store.Store
	index    *index.BleveEngine
	channel  channel.Channel
	pipeline *ingest.Pipeline
}

// openApp connects the requested components. On error everything opened so
// far is closed again.
func openApp(ctx context.Context, cfg *config.Config, need component) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default(), registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = telemetry.New(a.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	if need&withStore != 0 {
		if a.store, err = store.Open(ctx, cfg.Store); err != nil {
			return nil, apperrors.UnavailableError(apperrors.ErrCodeStoreUnavailable,
				"failed to open message store", err).WithDetail("backend", cfg.Store.Backend)
		}
	}

	if need&withIndex != 0 {
		if a.index, err = index.NewBleveEngine(cfg.Index.Path); err != nil {
			if errors.Is(err, index.ErrLocked) {
				return nil, apperrors.New(apperrors.ErrCodeIndexLocked,
					"search index is in use by another msgsearch process", err).
					WithSuggestion("stop the running server, or query it over HTTP")
			}
			return nil, apperrors.UnavailableError(apperrors.ErrCodeIndexUnavailable,
				"failed to open search index", err).WithDetail("path", cfg.Index.Path)
		}
		if err = index.EnsureIndex(ctx, a.index, cfg.Index.Name); err != nil {
			return nil, apperrors.UnavailableError(apperrors.ErrCodeIndexUnavailable,
				"failed to prepare search index", err).WithDetail("index", cfg.Index.Name)
		}
	}

	if need&withChannel != 0 {
		if a.channel, err = channel.Open(ctx, cfg.Channel); err != nil {
			return nil, apperrors.UnavailableError(apperrors.ErrCodeChannelUnavailable,
				"failed to open event channel", err).WithDetail("backend", cfg.Channel.Backend)
		}
	}

	if a.store != nil && a.channel != nil {
		opts := append(ingest.OptionsFromConfig(cfg, a.metrics), ingest.WithLogger(a.logger))
		a.pipeline = ingest.New(a.store, a.channel, opts...)
	}
	return a, nil
}

// newConsumer builds the indexing consumer over the app's channel and index.
func (a *app) newConsumer() (*async.Consumer, error) {
	return async.New(a.channel, a.index, async.ConfigFrom(a.cfg),
		async.WithMetrics(a.metrics), async.WithLogger(a.logger))
}

// newEngine builds the query engine over the app's store and index.
// Both must have been opened.
func (a *app) newEngine() (*search.Engine, error) {
	return search.NewEngine(a.store, a.index,
		search.WithIndexName(a.cfg.Index.Name),
		search.WithMetrics(a.metrics),
		search.WithLogger(a.logger))
}

// close waits for pending publishes, then releases every component in
// reverse order of opening.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.pipeline != nil {
		if err := a.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: %w", err))
		}
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel: %w", err))
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("index: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// shutdownContext bounds cleanup by the configured shutdown timeout.
func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
