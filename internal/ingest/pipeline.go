// Package ingest is the write side of msgsearch: validate, persist, then
// publish a creation event without making the caller wait for it.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/msgsearch/internal/channel"
	"github.com/Aman-CERP/msgsearch/internal/config"
	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
	"github.com/Aman-CERP/msgsearch/internal/message"
	"github.com/Aman-CERP/msgsearch/internal/store"
	"github.com/Aman-CERP/msgsearch/internal/telemetry"
)

// Publisher is the part of channel.Channel the pipeline needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Pipeline persists messages and publishes their creation events.
type Pipeline struct {
	store   store.Store
	pub     Publisher
	topic   string
	retry   apperrors.RetryConfig
	timeout time.Duration
	breaker *apperrors.CircuitBreaker
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	published atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTopic overrides the topic events are published on.
func WithTopic(topic string) Option {
	return func(p *Pipeline) {
		if topic != "" {
			p.topic = topic
		}
	}
}

// WithRetry sets the retry policy for publication.
func WithRetry(cfg apperrors.RetryConfig) Option {
	return func(p *Pipeline) { p.retry = cfg }
}

// WithPublishTimeout bounds each publish attempt.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreaker replaces the publish circuit breaker.
func WithBreaker(cb *apperrors.CircuitBreaker) Option {
	return func(p *Pipeline) { p.breaker = cb }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// OptionsFromConfig maps the ingest and channel config sections to options.
func OptionsFromConfig(cfg *config.Config, m *telemetry.Metrics) []Option {
	retry := apperrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.Ingest.PublishRetries
	return []Option{
		WithTopic(cfg.Channel.Topic),
		WithRetry(retry),
		WithPublishTimeout(cfg.Ingest.PublishTimeout),
		WithBreaker(NewPublishBreaker(cfg.Ingest.BreakerMaxFailures, cfg.Ingest.BreakerReset, m)),
		WithMetrics(m),
	}
}

// NewPublishBreaker builds the breaker guarding publication, reporting its
// state on m.
func NewPublishBreaker(maxFailures int, reset time.Duration, m *telemetry.Metrics) *apperrors.CircuitBreaker {
	return apperrors.NewCircuitBreaker("publish",
		apperrors.WithMaxFailures(maxFailures),
		apperrors.WithResetTimeout(reset),
		apperrors.WithStateChange(func(name string, from, to apperrors.State) {
			m.CircuitState(int(to))
			slog.Warn("circuit_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}))
}

// New returns a pipeline writing to s and publishing on pub.
func New(s store.Store, pub Publisher, opts ...Option) *Pipeline {
	retry := apperrors.DefaultRetryConfig()
	retry.MaxRetries = 2
	p := &Pipeline{
		store:   s,
		pub:     pub,
		topic:   message.TopicCreated,
		retry:   retry,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = NewPublishBreaker(5, 30*time.Second, p.metrics)
	}
	if p.retry.RetryIf == nil {
		p.retry.RetryIf = apperrors.IsRetryable
	}
	return p
}

// Create validates and persists in, then schedules publication of its
// creation event. The returned message is the persisted one; publication
// failures are logged and never returned.
func (p *Pipeline) Create(ctx context.Context, in message.CreateInput) (message.Message, error) {
	if err := in.Validate(); err != nil {
		return message.Message{}, err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return message.Message{}, apperrors.UnavailableError(apperrors.ErrCodeStoreUnavailable,
			"server is shutting down", nil).WithScope("create", in.TenantID, in.ConversationID)
	}

	m, err := p.store.Insert(ctx, in)
	if err != nil {
		return message.Message{}, apperrors.New(apperrors.ErrCodePersistFailed,
			"failed to persist message", err).WithScope("create", in.TenantID, in.ConversationID)
	}
	p.metrics.MessageCreated()

	p.dispatch(context.WithoutCancel(ctx), m.Event())
	return m, nil
}

func (p *Pipeline) dispatch(ctx context.Context, ev message.CreationEvent) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.publishFailed(ev, errors.New("pipeline closed before publish"))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.Publish(ctx, ev); err != nil {
			p.publishFailed(ev, err)
			return
		}
		p.published.Add(1)
	}()
}

// Publish sends ev on the pipeline topic, keyed by conversation, with the
// pipeline's retry policy and breaker. It blocks until done.
func (p *Pipeline) Publish(ctx context.Context, ev message.CreationEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	return apperrors.Retry(ctx, p.retry, func(attempt int) error {
		return p.breaker.Execute(func() error {
			actx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			err := classifyPublishError(ctx, p.pub.Publish(actx, p.topic, ev.ConversationID, payload))
			if err != nil && attempt <= p.retry.MaxRetries {
				p.logger.Debug("message_publish_retry",
					slog.String("message_id", ev.ID),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
			}
			return err
		})
	})
}

// classifyPublishError turns a publisher error into an AppError. Broker
// errors and attempt timeouts are retryable; a closed channel is not.
// Caller cancellation is returned as is.
func classifyPublishError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, channel.ErrClosed):
		return apperrors.New(apperrors.ErrCodePublishFailed, "channel closed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.UnavailableError(apperrors.ErrCodeNetworkTimeout, "publish timed out", err)
	default:
		return apperrors.UnavailableError(apperrors.ErrCodeChannelUnavailable, "publish failed", err)
	}
}

func (p *Pipeline) publishFailed(ev message.CreationEvent, err error) {
	p.metrics.PublishFailed()
	appErr := apperrors.New(apperrors.ErrCodePublishFailed, "failed to publish creation event", err).
		WithScope("publish", ev.TenantID, ev.ConversationID).
		WithDetail("message_id", ev.ID)
	p.logger.Error("message_publish_failed",
		slog.String("message_id", ev.ID),
		slog.Any("error", apperrors.FormatForLog(appErr)))
}

// Published returns how many creation events of Create calls reached the
// channel.
func (p *Pipeline) Published() int64 {
	return p.published.Load()
}

// Close stops accepting messages and waits for in-flight publications
// until ctx is done.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
