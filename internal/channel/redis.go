package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisChannel implements Channel on Redis Streams. Partition p of a topic
// is the stream "<topic>:<p>"; the partition count lives at
// "<topic>:partitions". Each group reads every partition through one
// consumer named per process.
type RedisChannel struct {
	client          *redis.Client
	consumer        string
	partitions      int
	redeliveryDelay time.Duration
	// claimIdle is how long a delivery may sit un-acked with another
	// consumer before this one claims it.
	claimIdle time.Duration
	block     time.Duration

	mu     sync.Mutex
	counts map[string]int
	subs   map[*redisSubscription]struct{}
	closed bool
}

var _ Channel = (*RedisChannel)(nil)

// RedisConfig configures NewRedisChannel.
type RedisConfig struct {
	URL             string
	Partitions      int
	RedeliveryDelay time.Duration
	AckWait         time.Duration
}

const (
	redisKeyField     = "key"
	redisPayloadField = "payload"
)

// NewRedisChannel connects to the Redis server at cfg.URL.
func NewRedisChannel(ctx context.Context, cfg RedisConfig) (*RedisChannel, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisChannel(client, cfg), nil
}

func newRedisChannel(client *redis.Client, cfg RedisConfig) *RedisChannel {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	return &RedisChannel{
		client:          client,
		consumer:        "msgsearch-" + uuid.NewString(),
		partitions:      cfg.Partitions,
		redeliveryDelay: cfg.RedeliveryDelay,
		claimIdle:       cfg.AckWait,
		block:           2 * time.Second,
		counts:          make(map[string]int),
		subs:            make(map[*redisSubscription]struct{}),
	}
}

func streamKey(topic string, partition int) string {
	return topic + ":" + strconv.Itoa(partition)
}

func partitionsKey(topic string) string {
	return topic + ":partitions"
}

// isBusyGroup reports whether XGROUP CREATE failed because the group exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// decodeEntry extracts key and payload from a stream entry.
func decodeEntry(msg redis.XMessage) (string, []byte, error) {
	key, _ := msg.Values[redisKeyField].(string)
	payload, ok := msg.Values[redisPayloadField].(string)
	if !ok {
		return "", nil, fmt.Errorf("stream entry %s has no payload", msg.ID)
	}
	return key, []byte(payload), nil
}

func (c *RedisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EnsureTopic implements Channel. Streams are created lazily by XADD, so
// only the partition count is recorded.
func (c *RedisChannel) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	if topic == "" || partitions < 1 {
		return fmt.Errorf("channel: invalid topic %q with %d partitions", topic, partitions)
	}
	if c.isClosed() {
		return ErrClosed
	}

	existing, err := c.client.Get(ctx, partitionsKey(topic)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read partition count for %s: %w", topic, err)
	}
	if existing >= partitions {
		c.setCount(topic, existing)
		return nil
	}
	if err := c.client.Set(ctx, partitionsKey(topic), partitions, 0).Err(); err != nil {
		return fmt.Errorf("failed to record partition count for %s: %w", topic, err)
	}
	slog.Info("topic_ensured",
		slog.String("topic", topic),
		slog.Int("partitions", partitions),
		slog.Int("previous", existing))
	c.setCount(topic, partitions)
	return nil
}

func (c *RedisChannel) setCount(topic string, n int) {
	c.mu.Lock()
	c.counts[topic] = n
	c.mu.Unlock()
}

func (c *RedisChannel) partitionCount(ctx context.Context, topic string) (int, error) {
	c.mu.Lock()
	n, ok := c.counts[topic]
	c.mu.Unlock()
	if ok {
		return n, nil
	}
	if err := c.EnsureTopic(ctx, topic, c.partitions); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[topic], nil
}

// Publish implements Channel.
func (c *RedisChannel) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	n, err := c.partitionCount(ctx, topic)
	if err != nil {
		return err
	}
	stream := streamKey(topic, Partition(key, n))
	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{redisKeyField: key, redisPayloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// Subscribe implements Channel.
func (c *RedisChannel) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("channel: empty consumer group")
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	n, err := c.partitionCount(ctx, topic)
	if err != nil {
		return nil, err
	}

	for p := 0; p < n; p++ {
		err := c.client.XGroupCreateMkStream(ctx, streamKey(topic, p), group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("failed to create group %s on partition %d: %w", group, p, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ch:     c,
		group:  group,
		out:    make(chan Delivery),
		cancel: cancel,
	}
	for p := 0; p < n; p++ {
		sub.wg.Add(1)
		go sub.pump(runCtx, streamKey(topic, p), p)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// Close implements Channel.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*redisSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return c.client.Close()
}

type redisSubscription struct {
	ch     *RedisChannel
	group  string
	out    chan Delivery
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *redisSubscription) Deliveries() <-chan Delivery { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.out)

		s.ch.mu.Lock()
		delete(s.ch.subs, s)
		s.ch.mu.Unlock()
	})
	return nil
}

// pump delivers one stream entry at a time. Entries already pending for
// this consumer are re-read before new ones, so a nacked entry blocks its
// partition until it is acked.
func (s *redisSubscription) pump(ctx context.Context, stream string, partition int) {
	defer s.wg.Done()
	c := s.ch
	for ctx.Err() == nil {
		msg, attempt, err := s.next(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("redis_read_failed",
				slog.String("stream", stream),
				slog.String("error", err.Error()))
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		key, payload, err := decodeEntry(*msg)
		if err != nil {
			// Nothing a consumer could do with it; ack so the partition moves on.
			slog.Error("redis_entry_malformed",
				slog.String("stream", stream),
				slog.String("id", msg.ID),
				slog.String("error", err.Error()))
			_ = c.client.XAck(ctx, stream, s.group, msg.ID).Err()
			continue
		}

		d := &redisDelivery{
			client:    c.client,
			stream:    stream,
			group:     s.group,
			id:        msg.ID,
			key:       key,
			payload:   payload,
			partition: partition,
			attempt:   attempt,
			result:    make(chan bool, 1),
		}
		select {
		case s.out <- d:
		case <-ctx.Done():
			return
		}

		var acked bool
		select {
		case acked = <-d.result:
		case <-ctx.Done():
			return
		}
		if !acked && c.redeliveryDelay > 0 && !sleepCtx(ctx, c.redeliveryDelay) {
			return
		}
	}
}

// next returns the entry to deliver on stream: this consumer's oldest
// pending entry, else one claimed from an idle consumer, else a new one.
// A nil message with nil error means the blocking read timed out.
func (s *redisSubscription) next(ctx context.Context, stream string) (*redis.XMessage, int, error) {
	c := s.ch

	pending, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: c.consumer,
		Streams:  []string{stream, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}
	if msg := firstMessage(pending); msg != nil {
		return msg, s.deliveryCount(ctx, stream, msg.ID), nil
	}

	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    s.group,
		Consumer: c.consumer,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}
	if len(claimed) > 0 {
		return &claimed[0], s.deliveryCount(ctx, stream, claimed[0].ID), nil
	}

	fresh, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: c.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return firstMessage(fresh), 1, nil
}

// deliveryCount asks the group how many times id has been delivered.
func (s *redisSubscription) deliveryCount(ctx context.Context, stream, id string) int {
	res, err := s.ch.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(res) == 0 || res[0].RetryCount < 1 {
		return 1
	}
	return int(res[0].RetryCount)
}

func firstMessage(streams []redis.XStream) *redis.XMessage {
	for _, st := range streams {
		if len(st.Messages) > 0 {
			return &st.Messages[0]
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type redisDelivery struct {
	client    *redis.Client
	stream    string
	group     string
	id        string
	key       string
	payload   []byte
	partition int
	attempt   int
	once      sync.Once
	result    chan bool
}

func (d *redisDelivery) Payload() []byte { return d.payload }
func (d *redisDelivery) Key() string     { return d.key }
func (d *redisDelivery) Partition() int  { return d.partition }
func (d *redisDelivery) Attempt() int    { return d.attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.client.XAck(ctx, d.stream, d.group, d.id).Err()
		d.result <- err == nil
	})
	return err
}

// Nack leaves the entry pending; the pump re-reads it after the
// redelivery delay.
func (d *redisDelivery) Nack(context.Context) error {
	d.once.Do(func() { d.result <- false })
	return nil
}
