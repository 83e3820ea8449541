package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/score-integrity/internal/domain"
)

// PubSub is a broadcast.Broadcaster over Redis channels, so deltas reach
// websocket clients connected to any API process
type PubSub struct {
	client *redis.Client
	prefix string
	buffer int
	logger *slog.Logger
}

// NewPubSub creates a Redis broadcaster
func NewPubSub(client *redis.Client, prefix string, buffer int, logger *slog.Logger) *PubSub {
	if buffer <= 0 {
		buffer = 64
	}
	return &PubSub{client: client, prefix: prefix, buffer: buffer, logger: logger}
}

func (p *PubSub) Publish(ctx context.Context, topic string, delta domain.LeaderboardDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encoding delta: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("publishing delta: %w", err)
	}
	return nil
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan domain.LeaderboardDelta, error) {
	sub := p.client.Subscribe(ctx, p.prefix+topic)
	// Wait for the confirmation so no publish after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	out := make(chan domain.LeaderboardDelta, p.buffer)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var delta domain.LeaderboardDelta
				if err := json.Unmarshal([]byte(msg.Payload), &delta); err != nil {
					p.logger.Warn("dropping undecodable delta", "topic", topic, "error", err)
					continue
				}
				select {
				case out <- delta:
				default:
					p.logger.Warn("subscriber buffer full, dropping delta", "topic", topic)
				}
			}
		}
	}()
	return out, nil
}
