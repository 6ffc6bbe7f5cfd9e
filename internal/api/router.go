// Package api is the HTTP boundary: tenant-scoped message routes, health
// and Prometheus metrics on a chi router.
package api

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/msgsearch/internal/async"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/search"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

// TenantHeader names the tenant of every /api request.
const TenantHeader = "X-Website-Id"

// maxBodyBytes bounds request bodies; content itself is capped lower.
const maxBodyBytes = 64 * 1024

// Creator is the write path, implemented by ingest.Pipeline.
type Creator interface {
	Create(ctx context.Context, in message.CreateInput) (message.Message, error)
}

// Pinger reports whether the primary store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusReporter exposes consumer status, implemented by async.Consumer.
type StatusReporter interface {
	Snapshot() async.StatusSnapshot
}

// Deps are the collaborators behind the routes. Consumer, Metrics and
// Gatherer are optional.
type Deps struct {
	Creator  Creator
	Engine   search.SearchEngine
	Store    Pinger
	Consumer StatusReporter
	Metrics  *telemetry.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) *chi.Mux {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &Handler{deps: deps}

	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(Metrics(deps.Metrics))

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(MaxBodySize(maxBodyBytes))

	// Chat widgets call from the sites they are embedded in.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", TenantHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireTenant)

		r.Post("/messages", h.CreateMessage)
		r.Get("/conversations/{conversationId}/messages", h.ListMessages)
		r.Get("/conversations/{conversationId}/messages/search", h.SearchMessages)
	})

	return r
}
