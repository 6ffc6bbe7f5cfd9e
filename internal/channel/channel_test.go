package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/msgsearch/internal/config"
)

const waitFor = 2 * time.Second

func receive(t *testing.T, sub Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		require.True(t, ok, "deliveries closed")
		return d
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func assertNoDelivery(t *testing.T, sub Subscription, within time.Duration) {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		if ok {
			t.Fatalf("unexpected delivery %q", d.Payload())
		}
	case <-time.After(within):
	}
}

func TestPartition_StableAndInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("conv-%d", i)
		p := Partition(key, 3)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 3)
		assert.Equal(t, p, Partition(key, 3))
	}
	assert.Equal(t, 0, Partition("anything", 1))
	assert.Equal(t, 0, Partition("anything", 0))
}

func TestPartition_FNV1a(t *testing.T) {
	// FNV-1a 32 of "" is the offset basis 2166136261; of "a" is 0xe40c292c.
	assert.Equal(t, int(uint32(2166136261)%3), Partition("", 3))
	assert.Equal(t, int(uint32(0xe40c292c)%3), Partition("a", 3))
}

func TestMemoryChannel_DeliversPublishedEvent(t *testing.T) {
	// Given: a subscribed group
	ctx := context.Background()
	ch := NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)

	// When: an event is published
	require.NoError(t, ch.Publish(ctx, "events", "conv-1", []byte("hello")))

	// Then: it is delivered once with its key and partition
	d := receive(t, sub)
	assert.Equal(t, []byte("hello"), d.Payload())
	assert.Equal(t, "conv-1", d.Key())
	assert.Equal(t, Partition("conv-1", 3), d.Partition())
	assert.Equal(t, 1, d.Attempt())
	require.NoError(t, d.Ack(ctx))
	assertNoDelivery(t, sub, 50*time.Millisecond)
}

func TestMemoryChannel_LateGroupSeesHistory(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	require.NoError(t, ch.Publish(ctx, "events", "k", []byte("early")))

	sub, err := ch.Subscribe(ctx, "events", "late")
	require.NoError(t, err)

	d := receive(t, sub)
	assert.Equal(t, "early", string(d.Payload()))
}

func TestMemoryChannel_NackRedeliversWithHigherAttempt(t *testing.T) {
	// Given: a delivered event
	ctx := context.Background()
	ch := NewMemoryChannel(WithRedeliveryDelay(time.Millisecond))
	defer func() { _ = ch.Close() }()
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, "events", "k", []byte("retry me")))
	first := receive(t, sub)

	// When: it is nacked
	require.NoError(t, first.Nack(ctx))

	// Then: the same event comes back with attempt 2
	second := receive(t, sub)
	assert.Equal(t, "retry me", string(second.Payload()))
	assert.Equal(t, 2, second.Attempt())
	require.NoError(t, second.Ack(ctx))
}

func TestMemoryChannel_PreservesPartitionOrder(t *testing.T) {
	// Given: several events for one key, the first of which is nacked once
	ctx := context.Background()
	ch := NewMemoryChannel(WithRedeliveryDelay(time.Millisecond))
	defer func() { _ = ch.Close() }()
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		require.NoError(t, ch.Publish(ctx, "events", "conv-1", []byte(fmt.Sprintf("e%d", i))))
	}

	// When: consuming, failing e1 on its first attempt
	var got []string
	for len(got) < 4 {
		d := receive(t, sub)
		if string(d.Payload()) == "e1" && d.Attempt() == 1 {
			require.NoError(t, d.Nack(ctx))
			continue
		}
		got = append(got, string(d.Payload()))
		require.NoError(t, d.Ack(ctx))
	}

	// Then: publish order is kept
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, got)
}

func TestMemoryChannel_OneInFlightPerPartition(t *testing.T) {
	// Given: two events on the same key
	ctx := context.Background()
	ch := NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, "events", "same", []byte("a")))
	require.NoError(t, ch.Publish(ctx, "events", "same", []byte("b")))

	// When: the first is held without ack
	first := receive(t, sub)

	// Then: the second is withheld until the first is acked
	assertNoDelivery(t, sub, 50*time.Millisecond)
	require.NoError(t, first.Ack(ctx))
	second := receive(t, sub)
	assert.Equal(t, "b", string(second.Payload()))
}

func TestMemoryChannel_AckIsFinal(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel(WithRedeliveryDelay(time.Millisecond))
	defer func() { _ = ch.Close() }()
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)
	require.NoError(t, ch.Publish(ctx, "events", "k", []byte("x")))

	d := receive(t, sub)
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Nack(ctx))

	assertNoDelivery(t, sub, 50*time.Millisecond)
}

func TestMemoryChannel_GroupsAreIndependent(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	a, err := ch.Subscribe(ctx, "events", "a")
	require.NoError(t, err)
	b, err := ch.Subscribe(ctx, "events", "b")
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "events", "k", []byte("fan-out")))

	assert.Equal(t, "fan-out", string(receive(t, a).Payload()))
	assert.Equal(t, "fan-out", string(receive(t, b).Payload()))
}

func TestMemoryChannel_ResubscribeResumesAfterAcked(t *testing.T) {
	// Given: a group that acked the first of two events, then left
	ctx := context.Background()
	ch := NewMemoryChannel()
	defer func() { _ = ch.Close() }()
	require.NoError(t, ch.Publish(ctx, "events", "k", []byte("one")))
	require.NoError(t, ch.Publish(ctx, "events", "k", []byte("two")))
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)
	require.NoError(t, receive(t, sub).Ack(ctx))
	require.NoError(t, sub.Close())

	// When: the group subscribes again
	sub2, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)

	// Then: delivery resumes at the unacked event
	d := receive(t, sub2)
	assert.Equal(t, "two", string(d.Payload()))
}

func TestMemoryChannel_EnsureTopicGrows(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel(WithDefaultPartitions(1))
	defer func() { _ = ch.Close() }()

	require.NoError(t, ch.EnsureTopic(ctx, "events", 1))
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)
	require.NoError(t, ch.EnsureTopic(ctx, "events", 3))
	require.NoError(t, ch.EnsureTopic(ctx, "events", 2))

	// Every partition of the grown topic reaches the existing subscriber.
	seen := map[int]bool{}
	for i := 0; len(seen) < 3 && i < 100; i++ {
		key := fmt.Sprintf("k%d", i)
		p := Partition(key, 3)
		if seen[p] {
			continue
		}
		require.NoError(t, ch.Publish(ctx, "events", key, []byte(key)))
		d := receive(t, sub)
		assert.Equal(t, p, d.Partition())
		require.NoError(t, d.Ack(ctx))
		seen[p] = true
	}
	assert.Len(t, seen, 3)

	assert.Error(t, ch.EnsureTopic(ctx, "", 3))
	assert.Error(t, ch.EnsureTopic(ctx, "events", 0))
}

func TestMemoryChannel_CloseEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	ch := NewMemoryChannel()
	sub, err := ch.Subscribe(ctx, "events", "g1")
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	select {
	case _, ok := <-sub.Deliveries():
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("deliveries not closed")
	}
	require.NoError(t, sub.Close())
	assert.ErrorIs(t, ch.Publish(ctx, "events", "k", nil), ErrClosed)
	_, err = ch.Subscribe(ctx, "events", "g1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_Memory(t *testing.T) {
	cfg := config.NewConfig().Channel
	ch, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()
	assert.IsType(t, &MemoryChannel{}, ch)
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := config.NewConfig().Channel
	cfg.Backend = "kafka"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
