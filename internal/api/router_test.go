package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/msgsearch/internal/async"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/ingest"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/search"
	"github.com/Aman-CERP/msgsearch/internal/store"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

// nopPublisher accepts every event.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, []byte) error { return nil }

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	index   *index.BleveEngine
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	idx := index.NewMemEngine()
	require.NoError(t, index.EnsureIndex(context.Background(), idx, message.IndexName))
	t.Cleanup(func() { _ = idx.Close() })

	reg := prometheus.NewRegistry()
	m, err := telemetry.New(reg)
	require.NoError(t, err)
	engine, err := search.NewEngine(s, idx, search.WithMetrics(m))
	require.NoError(t, err)
	p := ingest.New(s, nopPublisher{}, ingest.WithMetrics(m))
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	h := NewRouter(Deps{
		Creator:  p,
		Engine:   engine,
		Store:    s,
		Metrics:  m,
		Gatherer: reg,
		Version:  "test",
	})
	return &testServer{handler: h, store: s, index: idx, reg: reg}
}

func (ts *testServer) do(t *testing.T, method, target, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateMessage_Created(t *testing.T) {
	// Given: a server
	ts := newTestServer(t)

	// When: posting a message
	rec := ts.do(t, http.MethodPost, "/api/messages", "w1",
		`{"content":"Hello there!","senderId":"u1","conversationId":"c1","metadata":{"channel":"web"}}`)

	// Then: 201 with the persisted message
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Len(t, body["id"], 26)
	assert.Equal(t, "Hello there!", body["content"])
	assert.Equal(t, "u1", body["senderId"])
	assert.Equal(t, "c1", body["conversationId"])
	assert.Equal(t, "w1", body["websiteId"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, map[string]any{"channel": "web"}, body["metadata"])
}

func TestAPI_MissingTenantHeader(t *testing.T) {
	ts := newTestServer(t)

	for _, target := range []string{
		"/api/conversations/c1/messages",
		"/api/conversations/c1/messages/search?q=hi",
	} {
		rec := ts.do(t, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode[apperrors.PublicError](t, rec)
		assert.Equal(t, "Missing x-website-id header", body.Message)
	}

	rec := ts.do(t, http.MethodPost, "/api/messages", "", `{"content":"x","senderId":"u","conversationId":"c"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/conversations/c1/messages", "bad tenant!", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateMessage_ValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `content=hi`},
		{"empty content", `{"content":"","senderId":"u1","conversationId":"c1"}`},
		{"missing sender", `{"content":"hi","conversationId":"c1"}`},
		{"bad conversation", `{"content":"hi","senderId":"u1","conversationId":"a b"}`},
		{"too large", `{"content":"` + strings.Repeat("x", maxBodyBytes) + `","senderId":"u1","conversationId":"c1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/messages", "w1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[apperrors.PublicError](t, rec)
			assert.Equal(t, apperrors.ErrCodeInvalidInput, body.Code)
		})
	}

	all, err := ts.store.Scan(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestListMessages_PagesAndDefaults(t *testing.T) {
	// Given: five messages m1..m5
	ts := newTestServer(t)
	for i := 1; i <= 5; i++ {
		rec := ts.do(t, http.MethodPost, "/api/messages", "w1",
			`{"content":"m`+string(rune('0'+i))+`","senderId":"u1","conversationId":"c1"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// When: listing with defaults
	rec := ts.do(t, http.MethodGet, "/api/conversations/c1/messages", "w1", "")

	// Then: ascending order
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]message.Message](t, rec)
	require.Len(t, msgs, 5)
	assert.Equal(t, "m1", msgs[0].Content)

	// And: DESC page two of size two is [m3, m2]
	rec = ts.do(t, http.MethodGet, "/api/conversations/c1/messages?page=2&perPage=2&sort=desc", "w1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs = decode[[]message.Message](t, rec)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m2", msgs[1].Content)

	// And: another tenant sees nothing, as an empty array
	rec = ts.do(t, http.MethodGet, "/api/conversations/c1/messages", "w2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListMessages_BadParameters(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"page=abc", "page=0", "perPage=101", "perPage=x", "sort=sideways"} {
		t.Run(q, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/conversations/c1/messages?"+q, "w1", "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSearchMessages(t *testing.T) {
	// Given: an indexed message
	ts := newTestServer(t)
	ctx := context.Background()
	m, err := ts.store.Insert(ctx, message.CreateInput{TenantID: "w1", ConversationID: "c1", SenderID: "u1", Content: "Hello there!"})
	require.NoError(t, err)
	require.NoError(t, ts.index.Upsert(ctx, message.IndexName, m.ID, index.Document{
		TenantID: "w1", ConversationID: "c1", Content: m.Content, Timestamp: m.Timestamp}))

	// When: searching with a typo
	rec := ts.do(t, http.MethodGet, "/api/conversations/c1/messages/search?q=helo", "w1", "")

	// Then: the message is found
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]message.Message](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)

	// And: q is required
	rec = ts.do(t, http.MethodGet, "/api/conversations/c1/messages/search", "w1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.ErrCodeInvalidQuery, decode[apperrors.PublicError](t, rec).Code)
}

func TestSearchMessages_IgnoresSort(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/conversations/c1/messages/search?q=hello&sort=bogus", "w1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, q := range []string{"page=0", "perPage=101", "perPage=x"} {
		t.Run(q, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/conversations/c1/messages/search?q=hello&"+q, "w1", "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// failingEngine reports its collaborators as down.
type failingEngine struct{ err error }

func (f failingEngine) List(context.Context, string, string, message.Filter) ([]message.Message, error) {
	return nil, f.err
}

func (f failingEngine) Search(context.Context, string, string, string, message.Filter) ([]message.Message, error) {
	return nil, f.err
}

func TestAPI_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"unavailable", apperrors.UnavailableError(apperrors.ErrCodeStoreUnavailable, "store down", errors.New("dial tcp 10.0.0.1")),
			http.StatusServiceUnavailable, apperrors.ErrCodeStoreUnavailable},
		{"internal", errors.New("secret stack detail"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(Deps{Engine: failingEngine{err: tt.err}})
			req := httptest.NewRequest(http.MethodGet, "/api/conversations/c1/messages", nil)
			req.Header.Set(TenantHeader, "w1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode[apperrors.PublicError](t, rec)
			assert.Equal(t, tt.wantBody, body.Code)
			assert.NotContains(t, rec.Body.String(), "10.0.0.1")
			assert.NotContains(t, rec.Body.String(), "secret")
		})
	}
}

// fixedStatus reports a constant consumer snapshot.
type fixedStatus struct{ state async.ConsumerState }

func (f fixedStatus) Snapshot() async.StatusSnapshot {
	return async.StatusSnapshot{State: string(f.state), Processed: 3}
}

// downPinger fails every ping.
type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		deps       Deps
		wantCode   int
		wantStatus string
	}{
		{"healthy", Deps{Store: store.NewMemoryStore(), Consumer: fixedStatus{async.StateSubscribed}}, http.StatusOK, "healthy"},
		{"store down", Deps{Store: downPinger{}}, http.StatusServiceUnavailable, "degraded"},
		{"consumer disconnected", Deps{Store: store.NewMemoryStore(), Consumer: fixedStatus{async.StateDisconnected}},
			http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(tt.deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode[HealthResponse](t, rec)
			assert.Equal(t, tt.wantStatus, body.Status)
			_, err := time.Parse(time.RFC3339, body.Timestamp)
			assert.NoError(t, err)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_ = ts.do(t, http.MethodGet, "/api/conversations/c1/messages", "w1", "")

	rec := ts.do(t, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "msgsearch_queries_total")
	assert.Contains(t, body, `route="/api/conversations/{conversationId}/messages"`)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/messages", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", TenantHeader)
	rec := httptest.NewRecorder()

	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
