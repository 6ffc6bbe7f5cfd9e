package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/msgsearch/internal/channel"
	"github.com/Aman-CERP/msgsearch/internal/config"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/index"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

// ErrClosed is returned by Connect and Run after Close.
var ErrClosed = errors.New("consumer: closed")

// settleTimeout bounds Ack and Nack calls, which run even while shutting down.
const settleTimeout = 5 * time.Second

// Config configures a Consumer.
type Config struct {
	Topic     string
	Group     string
	IndexName string
	// MaxDeliveries is the attempt at which a failing event is treated as
	// poison. Ignored by the redeliver policy.
	MaxDeliveries   int
	PoisonPolicy    string
	DeadLetterTopic string
	// DedupeCacheSize bounds the recently-applied id cache. Zero disables it.
	DedupeCacheSize int
}

// ConfigFrom maps the channel, index and consumer config sections.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Topic:           cfg.Channel.Topic,
		Group:           cfg.Channel.Group,
		IndexName:       cfg.Index.Name,
		MaxDeliveries:   cfg.Consumer.MaxDeliveries,
		PoisonPolicy:    cfg.Consumer.PoisonPolicy,
		DeadLetterTopic: cfg.Consumer.DeadLetterTopic,
		DedupeCacheSize: cfg.Consumer.DedupeCacheSize,
	}
}

// Consumer applies creation events to the search index. Every event becomes
// an upsert keyed by message id, so redelivery never duplicates a document.
type Consumer struct {
	cfg     Config
	ch      channel.Channel
	idx     index.Index
	metrics *telemetry.Metrics
	logger  *slog.Logger
	status  *Status
	// applied remembers recently indexed ids. Nil when disabled.
	applied *lru.Cache[string, struct{}]

	mu      sync.Mutex
	sub     channel.Subscription
	started bool
	running bool
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	err     error
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithMetrics records consumer metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a disconnected consumer.
func New(ch channel.Channel, idx index.Index, cfg Config, opts ...Option) (*Consumer, error) {
	if cfg.Topic == "" {
		cfg.Topic = message.TopicCreated
	}
	if cfg.IndexName == "" {
		cfg.IndexName = message.IndexName
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("consumer: group is required")
	}
	switch cfg.PoisonPolicy {
	case "":
		cfg.PoisonPolicy = config.PoisonRedeliver
	case config.PoisonRedeliver, config.PoisonDrop:
	case config.PoisonDeadLetter:
		if cfg.DeadLetterTopic == "" {
			return nil, fmt.Errorf("consumer: dead_letter policy needs a dead-letter topic")
		}
	default:
		return nil, fmt.Errorf("consumer: unknown poison policy %q", cfg.PoisonPolicy)
	}
	if cfg.PoisonPolicy != config.PoisonRedeliver && cfg.MaxDeliveries < 1 {
		return nil, fmt.Errorf("consumer: max deliveries must be at least 1")
	}

	c := &Consumer{
		cfg:    cfg,
		ch:     ch,
		idx:    idx,
		logger: slog.Default(),
		status: NewStatus(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.DedupeCacheSize > 0 {
		cache, err := lru.New[string, struct{}](cfg.DedupeCacheSize)
		if err != nil {
			return nil, fmt.Errorf("consumer: dedupe cache: %w", err)
		}
		c.applied = cache
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Snapshot reports the consumer's state and counters.
func (c *Consumer) Snapshot() StatusSnapshot {
	return c.status.Snapshot()
}

// IsRunning returns true while the background loop is active.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Connect ensures the index exists and subscribes to the topic.
// Calling it again while subscribed is a no-op.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sub != nil {
		return nil
	}

	if err := index.EnsureIndex(ctx, c.idx, c.cfg.IndexName); err != nil {
		return apperrors.UnavailableError(apperrors.ErrCodeIndexUnavailable,
			"failed to prepare search index", err).WithDetail("index", c.cfg.IndexName)
	}
	sub, err := c.ch.Subscribe(ctx, c.cfg.Topic, c.cfg.Group)
	if err != nil {
		return apperrors.UnavailableError(apperrors.ErrCodeChannelUnavailable,
			"failed to subscribe", err).WithDetail("topic", c.cfg.Topic)
	}
	c.sub = sub
	c.status.SetState(StateSubscribed)
	c.logger.Info("consumer_subscribed",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.Group),
		slog.String("poison_policy", c.cfg.PoisonPolicy))
	return nil
}

// Run processes deliveries until ctx is done or the subscription ends.
// It connects first when needed. Cancellation is a clean exit.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return ErrClosed
	}

	deliveries := sub.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if closed || ctx.Err() != nil {
					return nil
				}
				return apperrors.UnavailableError(apperrors.ErrCodeChannelUnavailable,
					"subscription ended unexpectedly", channel.ErrClosed)
			}
			c.handle(ctx, d)
		}
	}
}

// Start runs the consumer in a background goroutine. Only the first call
// has an effect. This is non-blocking; use Wait to block until it exits.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.running = true
	c.mu.Unlock()

	go c.loop(ctx)
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.doneCh)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	// Merged context that respects both parent and stop channel
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.Run(ctx); err != nil {
		c.logger.Error("consumer_stopped",
			slog.String("code", apperrors.GetCode(err)),
			slog.String("error", err.Error()))
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}
}

// Stop signals the background loop to stop and waits for it to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.mu.Unlock()
	<-c.doneCh
}

// Wait blocks until the background loop exits and returns its error.
func (c *Consumer) Wait() error {
	<-c.doneCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the consumer and releases its subscription. Terminal.
func (c *Consumer) Close() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.sub != nil {
		err = c.sub.Close()
		c.sub = nil
	}
	c.status.SetState(StateDisconnected)
	c.logger.Info("consumer_closed", slog.Any("status", c.status.Snapshot()))
	return err
}

// handle applies one delivery and settles it.
func (c *Consumer) handle(ctx context.Context, d channel.Delivery) {
	c.status.SetState(StateProcessing)
	defer c.status.SetState(StateSubscribed)

	ev, err := message.DecodeEvent(d.Payload())
	if err != nil {
		c.fail(ctx, d, "", err)
		return
	}

	if c.applied != nil && c.applied.Contains(ev.ID) {
		c.ack(ctx, d, ev.ID)
		c.metrics.EventDuplicate()
		c.status.RecordDuplicate(ev.ID)
		c.logger.Debug("event_duplicate",
			slog.String("message_id", ev.ID),
			slog.Int("attempt", d.Attempt()))
		return
	}

	doc := index.Document{
		TenantID:       ev.TenantID,
		ConversationID: ev.ConversationID,
		Content:        ev.Content,
		Timestamp:      ev.Timestamp,
	}
	if err := c.idx.Upsert(ctx, c.cfg.IndexName, ev.ID, doc); err != nil {
		code := apperrors.ErrCodeIndexFailed
		if errors.Is(err, index.ErrIndexNotFound) || errors.Is(err, index.ErrClosed) {
			code = apperrors.ErrCodeIndexUnavailable
		}
		c.fail(ctx, d, ev.ID, apperrors.New(code, "failed to index message", err).
			WithScope("index", ev.TenantID, ev.ConversationID).
			WithDetail("message_id", ev.ID))
		return
	}

	if !c.ack(ctx, d, ev.ID) {
		return
	}
	if c.applied != nil {
		c.applied.Add(ev.ID, struct{}{})
	}
	c.metrics.EventIndexed()
	c.status.RecordProcessed(ev.ID)
	c.logger.Debug("event_indexed",
		slog.String("message_id", ev.ID),
		slog.Int("partition", d.Partition()),
		slog.Int("attempt", d.Attempt()))
}

// fail records a failed attempt, then either nacks d for redelivery or
// applies the poison policy once d has used up its deliveries.
func (c *Consumer) fail(ctx context.Context, d channel.Delivery, id string, err error) {
	c.metrics.EventFailed()
	c.status.RecordFailure(err)
	c.logger.Warn("event_processing_failed",
		slog.String("code", apperrors.GetCode(err)),
		slog.String("message_id", id),
		slog.Int("partition", d.Partition()),
		slog.Int("attempt", d.Attempt()),
		slog.String("error", err.Error()))

	if c.cfg.PoisonPolicy == config.PoisonRedeliver || d.Attempt() < c.cfg.MaxDeliveries {
		c.nack(ctx, d, id)
		return
	}

	switch c.cfg.PoisonPolicy {
	case config.PoisonDrop:
		if c.ack(ctx, d, id) {
			c.metrics.EventPoisoned(config.PoisonDrop)
			c.status.RecordDropped()
			c.logger.Error("event_dropped",
				slog.String("message_id", id),
				slog.Int("attempts", d.Attempt()),
				slog.String("payload", truncate(d.Payload(), 256)))
		}
	case config.PoisonDeadLetter:
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		pubErr := c.ch.Publish(sctx, c.cfg.DeadLetterTopic, d.Key(), d.Payload())
		cancel()
		if pubErr != nil {
			c.logger.Error("dead_letter_publish_failed",
				slog.String("message_id", id),
				slog.String("topic", c.cfg.DeadLetterTopic),
				slog.String("error", pubErr.Error()))
			c.nack(ctx, d, id)
			return
		}
		if c.ack(ctx, d, id) {
			c.metrics.EventPoisoned(config.PoisonDeadLetter)
			c.status.RecordDeadLettered()
			c.logger.Error("event_dead_lettered",
				slog.String("message_id", id),
				slog.String("topic", c.cfg.DeadLetterTopic),
				slog.Int("attempts", d.Attempt()))
		}
	}
}

func (c *Consumer) ack(ctx context.Context, d channel.Delivery, id string) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := d.Ack(sctx); err != nil {
		c.logger.Warn("event_ack_failed",
			slog.String("message_id", id),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *Consumer) nack(ctx context.Context, d channel.Delivery, id string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := d.Nack(sctx); err != nil {
		c.logger.Warn("event_nack_failed",
			slog.String("message_id", id),
			slog.String("error", err.Error()))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
