package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"skillswap/api/internal/util"
)

const DefaultChannel = "skillswap:live-events"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge publishes events locally and to Redis, and relays events from
// other instances into the local hub. Each bridge tags what it sends with its
// origin ID and ignores its own messages on the way back.
type RedisBridge struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	logger  *zap.Logger
	ready   chan struct{}
}

func NewRedisBridge(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		hub:     hub,
		channel: DefaultChannel,
		origin:  util.NewID("node"),
		logger:  logger.Named("live"),
		ready:   make(chan struct{}),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	_ = b.hub.Publish(ctx, ev)

	payload, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal live event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish live event: %w", err)
	}
	return nil
}

// Ready is closed once the Redis subscription is confirmed.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

// Run relays remote events until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info("live bridge subscribed", zap.String("channel", b.channel), zap.String("origin", b.origin))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("drop malformed live event", zap.Error(err))
		return
	}
	if env.Origin == b.origin || env.Event.Topic() == "" {
		return
	}
	_ = b.hub.Publish(ctx, env.Event)
}
