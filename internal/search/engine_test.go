package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/store"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

type fixture struct {
	store  *store.MemoryStore
	index  *index.BleveEngine
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	idx := index.NewMemEngine()
	require.NoError(t, index.EnsureIndex(context.Background(), idx, message.IndexName))
	t.Cleanup(func() { _ = idx.Close() })
	e, err := NewEngine(s, idx)
	require.NoError(t, err)
	return &fixture{store: s, index: idx, engine: e}
}

// add stores a message and indexes it the way the consumer would.
func (f *fixture) add(t *testing.T, tenant, conv, content string) message.Message {
	t.Helper()
	ctx := context.Background()
	m, err := f.store.Insert(ctx, message.CreateInput{TenantID: tenant, ConversationID: conv, SenderID: "u1", Content: content})
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, message.IndexName, m.ID, index.Document{
		TenantID: m.TenantID, ConversationID: m.ConversationID, Content: m.Content, Timestamp: m.Timestamp}))
	return m
}

func contents(msgs []message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestNewEngine_NilDependencies(t *testing.T) {
	_, err := NewEngine(nil, index.NewMemEngine())
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = NewEngine(store.NewMemoryStore(), nil)
	assert.ErrorIs(t, err, ErrNilDependency)
}

func TestEngine_List_DescendingPages(t *testing.T) {
	// Given: five messages m1..m5 in one conversation
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.add(t, "w1", "c1", fmt.Sprintf("m%d", i))
	}
	ctx := context.Background()

	// When/Then: DESC pages of two are [m5,m4], [m3,m2], [m1]
	want := [][]string{{"m5", "m4"}, {"m3", "m2"}, {"m1"}}
	for page, w := range want {
		got, err := f.engine.List(ctx, "w1", "c1", message.Filter{Page: page + 1, PerPage: 2, Sort: message.SortDesc})
		require.NoError(t, err)
		assert.Equal(t, w, contents(got))
	}

	// And: past the end is an empty slice, not nil
	got, err := f.engine.List(ctx, "w1", "c1", message.Filter{Page: 4, PerPage: 2, Sort: message.SortDesc})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestEngine_List_AscendingTimestamps(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.add(t, "w1", "c1", fmt.Sprintf("m%d", i))
	}

	got, err := f.engine.List(context.Background(), "w1", "c1", message.DefaultFilter())

	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
		assert.Greater(t, got[i].ID, got[i-1].ID)
	}
}

func TestEngine_List_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant string
		conv   string
		filter message.Filter
	}{
		{"missing tenant", "", "c1", message.DefaultFilter()},
		{"bad conversation", "w1", "c/1", message.DefaultFilter()},
		{"page zero", "w1", "c1", message.Filter{Page: 0, PerPage: 10, Sort: message.SortAsc}},
		{"perPage too large", "w1", "c1", message.Filter{Page: 1, PerPage: 101, Sort: message.SortAsc}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.List(ctx, tt.tenant, tt.conv, tt.filter)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

// brokenStore fails every read.
type brokenStore struct{ store.Store }

func (brokenStore) Find(context.Context, store.FindQuery) ([]message.Message, error) {
	return nil, errors.New("connection reset")
}

func TestEngine_List_StoreUnavailable(t *testing.T) {
	e, err := NewEngine(brokenStore{}, index.NewMemEngine())
	require.NoError(t, err)

	_, err = e.List(context.Background(), "w1", "c1", message.DefaultFilter())

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "list", appErr.Details["operation"])
	assert.Equal(t, "w1", appErr.Details["tenant"])
}

func TestEngine_Search_ScopedAndFuzzy(t *testing.T) {
	// Given: similar messages across scopes
	f := newFixture(t)
	mine := f.add(t, "w1", "c1", "Hello there!")
	f.add(t, "w1", "c1", "unrelated words")
	f.add(t, "w1", "c2", "hello from another conversation")
	f.add(t, "w2", "c1", "hello from another tenant")
	ctx := context.Background()

	for _, q := range []string{"hello", "helo", "HELLO there"} {
		t.Run(q, func(t *testing.T) {
			// When: searching one conversation
			got, err := f.engine.Search(ctx, "w1", "c1", q, message.Filter{Page: 1, PerPage: 10})

			// Then: only that conversation's match comes back
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, mine.ID, got[0].ID)
			assert.Equal(t, "Hello there!", got[0].Content)
			assert.Equal(t, "w1", got[0].TenantID)
			assert.Equal(t, "c1", got[0].ConversationID)
			assert.True(t, mine.Timestamp.Equal(got[0].Timestamp))
			assert.Empty(t, got[0].SenderID)
		})
	}
}

func TestEngine_Search_BlankAndOversizedQueries(t *testing.T) {
	f := newFixture(t)
	f.add(t, "w1", "c1", "hello")
	ctx := context.Background()

	got, err := f.engine.Search(ctx, "w1", "c1", "   ", message.DefaultFilter())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = f.engine.Search(ctx, "w1", "c1", strings.Repeat("a", MaxQueryBytes+1), message.DefaultFilter())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidQuery, apperrors.GetCode(err))
	assert.True(t, apperrors.IsValidation(err))
}

func TestEngine_Search_Pages(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.add(t, "w1", "c1", "weekly status report").ID)
	}
	ctx := context.Background()

	var seen []string
	for page := 1; page <= 3; page++ {
		got, err := f.engine.Search(ctx, "w1", "c1", "status", message.Filter{Page: page, PerPage: 2})
		require.NoError(t, err)
		for _, m := range got {
			seen = append(seen, m.ID)
		}
	}
	assert.ElementsMatch(t, ids, seen)
	assert.Len(t, seen, 5)
}

// failingIndex fails every query with err.
type failingIndex struct {
	index.Index
	err error
}

func (f failingIndex) Query(context.Context, string, index.Request) ([]index.Hit, error) {
	return nil, f.err
}

func TestEngine_Search_IndexFailures(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      string
		wantRetryable bool
	}{
		{"closed", index.ErrClosed, apperrors.ErrCodeIndexUnavailable, true},
		{"missing index", index.ErrIndexNotFound, apperrors.ErrCodeIndexUnavailable, true},
		{"timeout", fmt.Errorf("search failed: %w", context.DeadlineExceeded), apperrors.ErrCodeIndexUnavailable, true},
		{"query error", errors.New("search failed: bad regexp"), apperrors.ErrCodeSearchFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(store.NewMemoryStore(), failingIndex{err: tt.err})
			require.NoError(t, err)

			_, err = e.Search(context.Background(), "w1", "c1", "hello", message.DefaultFilter())

			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
			assert.Equal(t, tt.wantRetryable, apperrors.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEngine_RecordsQueryMetrics(t *testing.T) {
	// Given: an engine with metrics on a private registry
	reg := prometheus.NewRegistry()
	m, err := telemetry.New(reg)
	require.NoError(t, err)
	f := newFixture(t)
	e, err := NewEngine(f.store, f.index, WithMetrics(m))
	require.NoError(t, err)
	ctx := context.Background()

	// When: running two lists and one search
	_, err = e.List(ctx, "w1", "c1", message.DefaultFilter())
	require.NoError(t, err)
	_, err = e.List(ctx, "w1", "c1", message.DefaultFilter())
	require.NoError(t, err)
	_, err = e.Search(ctx, "w1", "c1", "hello", message.DefaultFilter())
	require.NoError(t, err)

	// Then: queries are counted by kind
	count, err := testutil.GatherAndCount(reg, "msgsearch_queries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	expected := `
# HELP msgsearch_queries_total Queries served, by kind
# TYPE msgsearch_queries_total counter
msgsearch_queries_total{kind="list"} 2
msgsearch_queries_total{kind="search"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "msgsearch_queries_total"))
}
