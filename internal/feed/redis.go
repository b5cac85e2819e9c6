package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-engine/internal/model"
)

// RedisBus publishes and subscribes to price ticks over Redis pub/sub.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

// NewRedisBus creates a RedisBus publishing on channel.
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{rdb: rdb, channel: channel}
}

// Subscribe returns a channel of raw payloads, closed when ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Submit publishes s so every subscribed engine instance records it.
func (b *RedisBus) Submit(ctx context.Context, s model.PriceSample) error {
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", b.channel, err)
	}
	return nil
}
