package channel

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/msgsearch/internal/config"
)

// Open builds the channel selected by cfg.Backend and ensures cfg.Topic
// exists with cfg.Partitions partitions.
func Open(ctx context.Context, cfg config.ChannelConfig) (Channel, error) {
	var (
		ch  Channel
		err error
	)
	switch cfg.Backend {
	case "memory":
		ch = NewMemoryChannel(
			WithDefaultPartitions(cfg.Partitions),
			WithRedeliveryDelay(cfg.RedeliveryDelay))
	case "nats":
		ch, err = NewJetStreamChannel(ctx, JetStreamConfig{
			URL:             cfg.URL,
			Partitions:      cfg.Partitions,
			RedeliveryDelay: cfg.RedeliveryDelay,
			AckWait:         cfg.AckWait,
		})
	case "redis":
		ch, err = NewRedisChannel(ctx, RedisConfig{
			URL:             cfg.URL,
			Partitions:      cfg.Partitions,
			RedeliveryDelay: cfg.RedeliveryDelay,
			AckWait:         cfg.AckWait,
		})
	default:
		return nil, fmt.Errorf("channel: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := ch.EnsureTopic(ctx, cfg.Topic, cfg.Partitions); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}
