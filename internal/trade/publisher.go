package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/amm-engine/internal/event"
)

const eventChannelPrefix = "amm:events:"

// RedisPublisher fans committed events out through Redis Pub/Sub so every
// engine instance can push them to its own WebSocket clients.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a publisher on rdb.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Notify implements event.Notifier. Failures are logged, never returned:
// the trade is already committed.
func (p *RedisPublisher) Notify(ctx context.Context, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("event encode failed", "market_id", ev.MarketID, "type", ev.Type, "error", err)
		return
	}
	channel := eventChannelPrefix + ev.MarketID
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("event publish failed", "channel", channel, "error", err)
	}
}

// Relay subscribes to every market's channel and hands each event to
// local until ctx is done.
func (p *RedisPublisher) Relay(ctx context.Context, local event.Notifier) error {
	pubsub := p.rdb.PSubscribe(ctx, eventChannelPrefix+"*")
	defer pubsub.Close()

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe events: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev event.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			local.Notify(ctx, ev)
		}
	}
}

var _ event.Notifier = (*RedisPublisher)(nil)
