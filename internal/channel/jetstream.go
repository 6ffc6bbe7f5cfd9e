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
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// keyHeader carries the partition key alongside the payload.
	keyHeader = "Msgsearch-Key"
	// partitionsMeta records a stream's partition count in its metadata.
	partitionsMeta = "msgsearch.partitions"
)

// JetStreamChannel implements Channel on NATS JetStream. A topic is a
// stream whose subjects are "<topic>.<partition>"; each consumer group gets
// one durable pull consumer per partition with MaxAckPending 1.
type JetStreamChannel struct {
	conn            *nats.Conn
	js              jetstream.JetStream
	partitions      int
	redeliveryDelay time.Duration
	ackWait         time.Duration

	mu     sync.Mutex
	counts map[string]int
	subs   map[*jsSubscription]struct{}
	closed bool
}

var _ Channel = (*JetStreamChannel)(nil)

// JetStreamConfig configures NewJetStreamChannel.
type JetStreamConfig struct {
	URL             string
	Partitions      int
	RedeliveryDelay time.Duration
	AckWait         time.Duration
}

// NewJetStreamChannel connects to the NATS server at cfg.URL.
func NewJetStreamChannel(ctx context.Context, cfg JetStreamConfig) (*JetStreamChannel, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("msgsearch-"+uuid.NewString()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats_disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := js.AccountInfo(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("JetStream not available: %w", err)
	}

	return &JetStreamChannel{
		conn:            conn,
		js:              js,
		partitions:      cfg.Partitions,
		redeliveryDelay: cfg.RedeliveryDelay,
		ackWait:         cfg.AckWait,
		counts:          make(map[string]int),
		subs:            make(map[*jsSubscription]struct{}),
	}, nil
}

// streamName derives a valid stream name from a topic.
func streamName(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return strings.ToUpper(r.Replace(topic))
}

func subjectFor(topic string, partition int) string {
	return topic + "." + strconv.Itoa(partition)
}

func durableName(group string, partition int) string {
	return streamName(group) + "_P" + strconv.Itoa(partition)
}

// partitionsFromMeta reads the partition count recorded on a stream.
func partitionsFromMeta(meta map[string]string) int {
	n, err := strconv.Atoi(meta[partitionsMeta])
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// EnsureTopic implements Channel.
func (c *JetStreamChannel) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	if topic == "" || partitions < 1 {
		return fmt.Errorf("channel: invalid topic %q with %d partitions", topic, partitions)
	}
	if c.isClosed() {
		return ErrClosed
	}

	existing, err := c.streamPartitions(ctx, topic)
	if err != nil {
		return err
	}
	if existing >= partitions {
		c.setCount(topic, existing)
		return nil
	}

	cfg := jetstream.StreamConfig{
		Name:      streamName(topic),
		Subjects:  []string{topic + ".*"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Metadata:  map[string]string{partitionsMeta: strconv.Itoa(partitions)},
	}
	if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	slog.Info("topic_ensured",
		slog.String("topic", topic),
		slog.Int("partitions", partitions),
		slog.Int("previous", existing))
	c.setCount(topic, partitions)
	return nil
}

// streamPartitions returns the partition count of topic's stream, 0 when
// the stream does not exist.
func (c *JetStreamChannel) streamPartitions(ctx context.Context, topic string) (int, error) {
	stream, err := c.js.Stream(ctx, streamName(topic))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up stream for %s: %w", topic, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream info for %s: %w", topic, err)
	}
	return partitionsFromMeta(info.Config.Metadata), nil
}

func (c *JetStreamChannel) setCount(topic string, n int) {
	c.mu.Lock()
	c.counts[topic] = n
	c.mu.Unlock()
}

// partitionCount returns the known partition count, creating the topic
// with the default count on first use.
func (c *JetStreamChannel) partitionCount(ctx context.Context, topic string) (int, error) {
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

func (c *JetStreamChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Publish implements Channel. It returns once the stream has stored the event.
func (c *JetStreamChannel) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	n, err := c.partitionCount(ctx, topic)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subjectFor(topic, Partition(key, n)))
	msg.Header.Set(keyHeader, key)
	msg.Data = payload
	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe implements Channel.
func (c *JetStreamChannel) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
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

	sub := &jsSubscription{
		ch:   c,
		out:  make(chan Delivery),
		done: make(chan struct{}),
	}
	for p := 0; p < n; p++ {
		cons, err := c.js.CreateOrUpdateConsumer(ctx, streamName(topic), jetstream.ConsumerConfig{
			Durable:       durableName(group, p),
			FilterSubject: subjectFor(topic, p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       c.ackWait,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("failed to create consumer for partition %d: %w", p, err)
		}

		partition := p
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			sub.handle(partition, msg)
		})
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("failed to consume partition %d: %w", p, err)
		}
		sub.consumers = append(sub.consumers, cc)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// Close implements Channel.
func (c *JetStreamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*jsSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return c.conn.Drain()
}

type jsSubscription struct {
	ch        *JetStreamChannel
	consumers []jetstream.ConsumeContext
	out       chan Delivery
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (s *jsSubscription) Deliveries() <-chan Delivery { return s.out }

// handle runs on the consumer's callback goroutine and blocks until the
// delivery is taken or the subscription closes.
func (s *jsSubscription) handle(partition int, msg jetstream.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		_ = msg.Nak()
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}
	d := &jsDelivery{
		msg:       msg,
		partition: partition,
		attempt:   attempt,
		delay:     s.ch.redeliveryDelay,
	}
	select {
	case s.out <- d:
	case <-s.done:
		_ = msg.Nak()
	}
}

func (s *jsSubscription) Close() error {
	s.once.Do(func() {
		for _, cc := range s.consumers {
			cc.Stop()
		}
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()

		s.ch.mu.Lock()
		delete(s.ch.subs, s)
		s.ch.mu.Unlock()
	})
	return nil
}

type jsDelivery struct {
	msg       jetstream.Msg
	partition int
	attempt   int
	delay     time.Duration
	once      sync.Once
}

func (d *jsDelivery) Payload() []byte { return d.msg.Data() }
func (d *jsDelivery) Key() string     { return d.msg.Headers().Get(keyHeader) }
func (d *jsDelivery) Partition() int  { return d.partition }
func (d *jsDelivery) Attempt() int    { return d.attempt }

func (d *jsDelivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.msg.DoubleAck(ctx) })
	return err
}

func (d *jsDelivery) Nack(context.Context) error {
	var err error
	d.once.Do(func() {
		if d.delay > 0 {
			err = d.msg.NakWithDelay(d.delay)
			return
		}
		err = d.msg.Nak()
	})
	return err
}
