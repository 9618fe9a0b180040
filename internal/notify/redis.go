package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "qms:edge:events"

// RedisNotifier shares wake-ups between edge processes through a Redis
// pub/sub channel carrying tenant ids.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

func NewRedis(ctx context.Context, url, channel string, logger *zap.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, channel: channel, hub: NewHub(), logger: logger}, nil
}

// Publish wakes local subscribers right away and tells the other processes.
func (n *RedisNotifier) Publish(ctx context.Context, tenantID string) error {
	n.hub.Broadcast(tenantID)
	return n.client.Publish(ctx, n.channel, tenantID).Err()
}

func (n *RedisNotifier) Subscribe(tenantID string) *Subscription {
	return n.hub.Subscribe(tenantID)
}

// Run relays channel messages to local subscribers until ctx is done.
func (n *RedisNotifier) Run(ctx context.Context) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	n.logger.Info("listening for wake-ups", zap.String("channel", n.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			n.hub.Broadcast(msg.Payload)
		}
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
