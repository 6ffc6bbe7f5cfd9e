package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/msgsearch/internal/channel"
	"github.com/Aman-CERP/msgsearch/internal/config"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
)

const testGroup = "message-indexer"

// fakeDelivery records how it was settled.
type fakeDelivery struct {
	payload []byte
	key     string
	attempt int

	mu     sync.Mutex
	acks   int
	nacks  int
	ackErr error
}

func (d *fakeDelivery) Payload() []byte { return d.payload }
func (d *fakeDelivery) Key() string     { return d.key }
func (d *fakeDelivery) Partition() int  { return 0 }
func (d *fakeDelivery) Attempt() int    { return d.attempt }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acks++
	return nil
}

func (d *fakeDelivery) Nack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacks++
	return nil
}

func (d *fakeDelivery) settled() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.nacks
}

// flakyIndex fails the first failures upserts.
type flakyIndex struct {
	index.Index
	mu       sync.Mutex
	failures int
}

func (f *flakyIndex) Upsert(ctx context.Context, name, id string, doc index.Document) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("index unavailable")
	}
	f.mu.Unlock()
	return f.Index.Upsert(ctx, name, id, doc)
}

func testEvent(id string) message.CreationEvent {
	return message.CreationEvent{
		ID:             id,
		Content:        "Hello there!",
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		TenantID:       "w1",
		ConversationID: "c1",
	}
}

func encoded(t *testing.T, ev message.CreationEvent) []byte {
	t.Helper()
	b, err := ev.Encode()
	require.NoError(t, err)
	return b
}

func testConfig() Config {
	cfg := ConfigFrom(config.NewConfig())
	cfg.Group = testGroup
	return cfg
}

func newIndex(t *testing.T) *index.BleveEngine {
	t.Helper()
	idx := index.NewMemEngine()
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func newConsumer(t *testing.T, ch channel.Channel, idx index.Index, cfg Config) *Consumer {
	t.Helper()
	c, err := New(ch, idx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func docCount(t *testing.T, idx index.Index) uint64 {
	t.Helper()
	n, err := idx.Count(context.Background(), message.IndexName)
	require.NoError(t, err)
	return n
}

func TestNew_RejectsBadConfig(t *testing.T) {
	ch := channel.NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	idx := newIndex(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing group", func(c *Config) { c.Group = "" }},
		{"unknown policy", func(c *Config) { c.PoisonPolicy = "retry" }},
		{"dead letter without topic", func(c *Config) {
			c.PoisonPolicy = config.PoisonDeadLetter
			c.DeadLetterTopic = ""
		}},
		{"drop without max", func(c *Config) {
			c.PoisonPolicy = config.PoisonDrop
			c.MaxDeliveries = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(ch, idx, cfg)
			assert.Error(t, err)
		})
	}
}

func TestConsumer_Lifecycle(t *testing.T) {
	// Given: a new consumer
	ctx := context.Background()
	ch := channel.NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	idx := newIndex(t)
	c := newConsumer(t, ch, idx, testConfig())
	assert.Equal(t, string(StateDisconnected), c.Snapshot().State)

	// When: connecting
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))

	// Then: it is subscribed and the index exists
	assert.Equal(t, string(StateSubscribed), c.Snapshot().State)
	exists, err := idx.Exists(ctx, message.IndexName)
	require.NoError(t, err)
	assert.True(t, exists)

	// And: close is terminal
	require.NoError(t, c.Close())
	assert.Equal(t, string(StateDisconnected), c.Snapshot().State)
	assert.ErrorIs(t, c.Connect(ctx), ErrClosed)
	require.NoError(t, c.Close())
}

func TestConsumer_IndexesEventsFromChannel(t *testing.T) {
	// Given: a running consumer on a memory channel
	ctx := context.Background()
	ch := channel.NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	idx := newIndex(t)
	c := newConsumer(t, ch, idx, testConfig())
	c.Start(ctx)
	assert.Eventually(t, c.IsRunning, time.Second, 5*time.Millisecond)

	// When: the same event is published twice (an at-least-once redelivery)
	payload := encoded(t, testEvent("01HZZZZZZZZZZZZZZZZZZZZZZ1"))
	require.NoError(t, ch.Publish(ctx, message.TopicCreated, "c1", payload))
	require.NoError(t, ch.Publish(ctx, message.TopicCreated, "c1", payload))

	// Then: one document exists and the second apply is a duplicate
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.Processed+s.Duplicates == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), docCount(t, idx))
	snap := c.Snapshot()
	assert.Equal(t, 1, snap.Processed)
	assert.Equal(t, 1, snap.Duplicates)

	hits, err := idx.Query(ctx, message.IndexName, index.Request{TenantID: "w1", ConversationID: "c1", Text: "hello", Size: 10})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "01HZZZZZZZZZZZZZZZZZZZZZZ1", hits[0].ID)

	c.Stop()
	assert.False(t, c.IsRunning())
	assert.NoError(t, c.Wait())
}

func TestConsumer_DoubleApplyWithoutCache(t *testing.T) {
	// Given: a consumer with the dedupe cache disabled
	ctx := context.Background()
	idx := newIndex(t)
	cfg := testConfig()
	cfg.DedupeCacheSize = 0
	c := newConsumer(t, channel.NewMemoryChannel(), idx, cfg)
	require.NoError(t, c.Connect(ctx))

	// When: the same event is handled twice
	ev := testEvent("m1")
	d1 := &fakeDelivery{payload: encoded(t, ev), attempt: 1}
	d2 := &fakeDelivery{payload: encoded(t, ev), attempt: 2}
	c.handle(ctx, d1)
	c.handle(ctx, d2)

	// Then: the index still holds exactly one document
	assert.Equal(t, uint64(1), docCount(t, idx))
	assert.Equal(t, 2, c.Snapshot().Processed)
	acks, _ := d2.settled()
	assert.Equal(t, 1, acks)
}

func TestConsumer_FailureNacks(t *testing.T) {
	// Given: an index that fails once
	ctx := context.Background()
	idx := &flakyIndex{Index: newIndex(t), failures: 1}
	c := newConsumer(t, channel.NewMemoryChannel(), idx, testConfig())
	require.NoError(t, c.Connect(ctx))

	// When: handling a delivery
	d := &fakeDelivery{payload: encoded(t, testEvent("m1")), attempt: 1}
	c.handle(ctx, d)

	// Then: it is nacked and the failure recorded
	acks, nacks := d.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	snap := c.Snapshot()
	assert.Equal(t, 1, snap.Failures)
	assert.Contains(t, snap.LastError, "ERR_505_INDEX_FAILED")

	// And: the redelivery succeeds
	retry := &fakeDelivery{payload: d.payload, attempt: 2}
	c.handle(ctx, retry)
	acks, _ = retry.settled()
	assert.Equal(t, 1, acks)
	assert.Equal(t, uint64(1), docCount(t, idx))
}

func TestConsumer_RedeliverPolicyNeverGivesUp(t *testing.T) {
	ctx := context.Background()
	idx := &flakyIndex{Index: newIndex(t), failures: 100}
	c := newConsumer(t, channel.NewMemoryChannel(), idx, testConfig())
	require.NoError(t, c.Connect(ctx))

	d := &fakeDelivery{payload: encoded(t, testEvent("m1")), attempt: 50}
	c.handle(ctx, d)

	acks, nacks := d.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
}

func TestConsumer_PoisonPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		payload []byte
		attempt int
		wantAck bool
	}{
		{"drop before max", config.PoisonDrop, []byte(`{"id":`), 4, false},
		{"drop at max", config.PoisonDrop, []byte(`{"id":`), 5, true},
		{"dead letter before max", config.PoisonDeadLetter, []byte(`not json`), 1, false},
		{"dead letter at max", config.PoisonDeadLetter, []byte(`not json`), 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a consumer with the policy and a dead-letter subscriber
			ctx := context.Background()
			ch := channel.NewMemoryChannel()
			defer func() { _ = ch.Close() }()
			dlq, err := ch.Subscribe(ctx, "message.created.dlq", "ops")
			require.NoError(t, err)

			cfg := testConfig()
			cfg.PoisonPolicy = tt.policy
			cfg.MaxDeliveries = 5
			c := newConsumer(t, ch, newIndex(t), cfg)
			require.NoError(t, c.Connect(ctx))

			// When: an undecodable payload fails
			d := &fakeDelivery{payload: tt.payload, key: "c1", attempt: tt.attempt}
			c.handle(ctx, d)

			// Then: it is settled per policy
			acks, nacks := d.settled()
			snap := c.Snapshot()
			if !tt.wantAck {
				assert.Zero(t, acks)
				assert.Equal(t, 1, nacks)
				assert.Zero(t, snap.Dropped+snap.DeadLettered)
				return
			}
			assert.Equal(t, 1, acks)
			assert.Zero(t, nacks)
			if tt.policy == config.PoisonDrop {
				assert.Equal(t, 1, snap.Dropped)
				return
			}
			assert.Equal(t, 1, snap.DeadLettered)
			select {
			case got := <-dlq.Deliveries():
				assert.Equal(t, tt.payload, got.Payload())
				assert.Equal(t, "c1", got.Key())
			case <-time.After(2 * time.Second):
				t.Fatal("dead letter not published")
			}
		})
	}
}

func TestConsumer_AckFailureDoesNotCountAsProcessed(t *testing.T) {
	ctx := context.Background()
	c := newConsumer(t, channel.NewMemoryChannel(), newIndex(t), testConfig())
	require.NoError(t, c.Connect(ctx))

	d := &fakeDelivery{payload: encoded(t, testEvent("m1")), attempt: 1, ackErr: errors.New("lost connection")}
	c.handle(ctx, d)

	assert.Zero(t, c.Snapshot().Processed)
	// Not cached, so the redelivery is applied again rather than skipped.
	again := &fakeDelivery{payload: d.payload, attempt: 2}
	c.handle(ctx, again)
	assert.Equal(t, 1, c.Snapshot().Processed)
	assert.Zero(t, c.Snapshot().Duplicates)
}

func TestConsumer_RunEndsWhenClosed(t *testing.T) {
	ctx := context.Background()
	ch := channel.NewMemoryChannel()
	c := newConsumer(t, ch, newIndex(t), testConfig())
	require.NoError(t, c.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_ = ch.Close()
}

func TestConsumer_RunReportsLostSubscription(t *testing.T) {
	ctx := context.Background()
	ch := channel.NewMemoryChannel()
	c := newConsumer(t, ch, newIndex(t), testConfig())
	require.NoError(t, c.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, channel.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
