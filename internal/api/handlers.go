package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Aman-CERP/msgsearch/internal/async"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/message"
)

// Handler serves the routes built by NewRouter.
type Handler struct {
	deps Deps
}

// createRequest is the body of POST /api/messages.
type createRequest struct {
	Content        string         `json:"content"`
	SenderID       string         `json:"senderId"`
	ConversationID string         `json:"conversationId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err to a status code and a body that never carries the
// internal cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", apperrors.FormatForLog(err)))
	}
	JSON(w, status, apperrors.Public(err))
}

// CreateMessage handles POST /api/messages.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperrors.ValidationError("request body too large", err))
			return
		}
		writeError(w, r, apperrors.ValidationError("request body must be a JSON object", err))
		return
	}

	m, err := h.deps.Creator.Create(r.Context(), message.CreateInput{
		TenantID:       TenantFrom(r.Context()),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, m)
}

// parsePage reads page and perPage, applying the defaults for absent
// parameters.
func parsePage(r *http.Request) (message.Filter, error) {
	f := message.DefaultFilter()
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, apperrors.ValidationError("page must be an integer", err)
		}
		f.Page = n
	}
	if v := q.Get("perPage"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, apperrors.ValidationError("perPage must be an integer", err)
		}
		f.PerPage = n
	}
	return f, f.Validate()
}

// parseFilter is parsePage plus sort.
func parseFilter(r *http.Request) (message.Filter, error) {
	f, err := parsePage(r)
	if err != nil {
		return f, err
	}
	sort, err := message.ParseSort(r.URL.Query().Get("sort"))
	if err != nil {
		return f, err
	}
	f.Sort = sort
	return f, nil
}

// ListMessages handles GET /api/conversations/{conversationId}/messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := h.deps.Engine.List(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "conversationId"), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// SearchMessages handles GET /api/conversations/{conversationId}/messages/search.
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, r, apperrors.New(apperrors.ErrCodeInvalidQuery, "q is required", nil))
		return
	}
	f, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := h.deps.Engine.Search(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "conversationId"), query, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// Check is the status of one health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                `json:"status"` // "healthy" or "degraded"
	Version   string                `json:"version,omitempty"`
	Checks    map[string]Check      `json:"checks"`
	Consumer  *async.StatusSnapshot `json:"consumer,omitempty"`
	Timestamp string                `json:"timestamp"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.deps.Version,
		Checks:    make(map[string]Check),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.deps.Store != nil {
		start := time.Now()
		if err := h.deps.Store.Ping(ctx); err != nil {
			resp.Checks["store"] = Check{Status: "fail", Message: "connection failed"}
			resp.Status = "degraded"
		} else {
			resp.Checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	if h.deps.Consumer != nil {
		snap := h.deps.Consumer.Snapshot()
		resp.Consumer = &snap
		if snap.State == string(async.StateDisconnected) {
			resp.Checks["consumer"] = Check{Status: "fail", Message: "not subscribed"}
			resp.Status = "degraded"
		} else {
			resp.Checks["consumer"] = Check{Status: "pass"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}
