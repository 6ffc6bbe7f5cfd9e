package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/store"
)

// seed stores n messages and returns them in id order.
func seed(t *testing.T, s store.Store, n int) []message.Message {
	t.Helper()
	var out []message.Message
	for i := 0; i < n; i++ {
		m, err := s.Insert(context.Background(), message.CreateInput{
			TenantID: "w1", ConversationID: fmt.Sprintf("c%d", i%2), SenderID: "u", Content: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func indexed(t *testing.T, idx index.Index, m message.Message, content string) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), message.IndexName, m.ID, index.Document{
		TenantID: m.TenantID, ConversationID: m.ConversationID, Content: content, Timestamp: m.Timestamp}))
}

func newReplayFixture(t *testing.T) (*store.MemoryStore, *recordingPublisher, *index.BleveEngine, *Replayer) {
	t.Helper()
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	idx := index.NewMemEngine()
	require.NoError(t, index.EnsureIndex(context.Background(), idx, message.IndexName))
	t.Cleanup(func() { _ = idx.Close() })
	r := NewReplayer(s, New(s, pub, WithRetry(fastRetry(0))), idx, message.IndexName)
	return s, pub, idx, r
}

func TestReplayer_Replay_AllInIDOrder(t *testing.T) {
	// Given: stored history larger than one batch
	s, pub, _, r := newReplayFixture(t)
	r.batch = 2
	msgs := seed(t, s, 5)

	// When: replaying everything
	stats, err := r.Replay(context.Background(), ReplayOptions{})

	// Then: every message is republished once, in id order
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Scanned)
	assert.Equal(t, 5, stats.Published)
	assert.Equal(t, msgs[4].ID, stats.LastID)
	_, sent := pub.snapshot()
	require.Len(t, sent, 5)
	for i, ev := range sent {
		assert.Equal(t, msgs[i].ID, ev.ID)
		assert.Equal(t, msgs[i].Content, ev.Content)
	}
}

func TestReplayer_Replay_AfterIDAndLimit(t *testing.T) {
	s, pub, _, r := newReplayFixture(t)
	r.batch = 2
	msgs := seed(t, s, 6)

	stats, err := r.Replay(context.Background(), ReplayOptions{AfterID: msgs[1].ID, Limit: 3})

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	_, sent := pub.snapshot()
	require.Len(t, sent, 3)
	assert.Equal(t, msgs[2].ID, sent[0].ID)
	assert.Equal(t, msgs[4].ID, sent[2].ID)
}

func TestReplayer_Replay_MissingOnly(t *testing.T) {
	// Given: an index holding one of three messages and a stale copy of another
	s, pub, idx, r := newReplayFixture(t)
	msgs := seed(t, s, 3)
	indexed(t, idx, msgs[0], msgs[0].Content)
	indexed(t, idx, msgs[1], "outdated")

	// When: replaying only what the index lacks
	stats, err := r.Replay(context.Background(), ReplayOptions{MissingOnly: true})

	// Then: the in-sync message is skipped
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, 1, stats.Skipped)
	_, sent := pub.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, msgs[1].ID, sent[0].ID)
	assert.Equal(t, msgs[2].ID, sent[1].ID)
}

func TestReplayer_Replay_DryRunPublishesNothing(t *testing.T) {
	s, pub, _, r := newReplayFixture(t)
	seed(t, s, 2)

	stats, err := r.Replay(context.Background(), ReplayOptions{DryRun: true})

	require.NoError(t, err)
	assert.Equal(t, 2, stats.Published)
	calls, _ := pub.snapshot()
	assert.Zero(t, calls)
}

func TestReplayer_Replay_ReportsProgress(t *testing.T) {
	s, _, _, r := newReplayFixture(t)
	msgs := seed(t, s, 3)

	var seen []ReplayStats
	_, err := r.Replay(context.Background(), ReplayOptions{Progress: func(st ReplayStats) {
		seen = append(seen, st)
	}})

	require.NoError(t, err)
	require.Len(t, seen, 3)
	for i, st := range seen {
		assert.Equal(t, i+1, st.Scanned)
		assert.Equal(t, i+1, st.Published)
		assert.Equal(t, msgs[i].ID, st.LastID)
	}
}

func TestReplayer_Replay_PublishErrorStops(t *testing.T) {
	s, pub, _, r := newReplayFixture(t)
	seed(t, s, 3)
	pub.fail.Store(true)

	stats, err := r.Replay(context.Background(), ReplayOptions{})

	require.Error(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Zero(t, stats.Published)
}

func TestReplayer_Check(t *testing.T) {
	s, _, idx, r := newReplayFixture(t)
	msgs := seed(t, s, 3)
	indexed(t, idx, msgs[0], msgs[0].Content)
	indexed(t, idx, msgs[1], "outdated")

	result, err := r.Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, result.Checked)
	require.Len(t, result.Inconsistencies, 2)
	assert.Equal(t, InconsistencyStale, result.Inconsistencies[0].Type)
	assert.Equal(t, msgs[1].ID, result.Inconsistencies[0].MessageID)
	assert.Equal(t, InconsistencyMissing, result.Inconsistencies[1].Type)
	assert.Equal(t, msgs[2].ID, result.Inconsistencies[1].MessageID)
	assert.Equal(t, "stale", InconsistencyStale.String())
	assert.Equal(t, "missing", InconsistencyMissing.String())
}

func TestReplayer_RequiresIndexForChecks(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReplayer(s, New(s, &recordingPublisher{}), nil, "")

	_, err := r.Check(context.Background())
	assert.Error(t, err)
	_, err = r.Replay(context.Background(), ReplayOptions{MissingOnly: true})
	assert.Error(t, err)
}
