// Package channel is the partitioned event channel between the ingestion
// pipeline and the indexing consumer.
//
// Every backend keeps at most one un-acked delivery per partition in flight
// for a consumer group, so events sharing a key are delivered in publish
// order. Delivery is at-least-once: a nacked or unacknowledged delivery is
// redelivered with a higher attempt number.
package channel

import (
	"context"
	"errors"
	"hash/fnv"
)

// ErrClosed is returned by operations on a closed channel or subscription.
var ErrClosed = errors.New("channel: closed")

// Channel publishes keyed payloads and hands them to consumer groups.
type Channel interface {
	// Publish appends payload to the partition chosen by key.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe joins group on topic. Groups start from the oldest
	// retained event the first time they subscribe.
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
	// EnsureTopic creates topic with the given partition count, or grows
	// an existing topic that has fewer. It never shrinks a topic.
	EnsureTopic(ctx context.Context, topic string, partitions int) error
	Close() error
}

// Subscription is a group member's view of a topic.
type Subscription interface {
	// Deliveries is closed when the subscription or its channel closes.
	Deliveries() <-chan Delivery
	Close() error
}

// Delivery is one event handed to a consumer. Exactly one of Ack or Nack
// takes effect; later calls are no-ops.
type Delivery interface {
	Payload() []byte
	Key() string
	Partition() int
	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Partition maps key onto one of n partitions with 32-bit FNV-1a.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
