package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "overlay:"

// RedisRelay publishes through Redis pub/sub and feeds every message back
// into the local hub, so each instance serves the overlays connected to it.
type RedisRelay struct {
	rdb *redis.Client
	hub *Hub
	log *slog.Logger
}

func NewRedisRelay(rdb *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{rdb: rdb, hub: hub, log: slog.Default().With(slog.String("component", "overlay-relay"))}
}

// Publish sends payload to topic on every instance, including this one.
func (r *RedisRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channelPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to all overlay channels and delivers messages to the hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = sub.Close() }()
	// wait for the subscription to be confirmed so no publish is missed after Run starts
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.log.Info("overlay relay subscribed", slog.String("pattern", channelPrefix+"*"))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.hub.deliver(strings.TrimPrefix(msg.Channel, channelPrefix), []byte(msg.Payload), "relay")
		}
	}
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
