// Package notify publishes order and eSIM notifications for customer-facing
// collaborators.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rookgm/esimhub/internal/models"
)

// DefaultChannel is the Pub/Sub channel notifications are published to.
const DefaultChannel = "esimhub:notifications"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier publishes notifications as JSON over Redis Pub/Sub
type RedisNotifier struct {
	client  publisher
	channel string
}

// NewRedisNotifier connects to addr and checks the connection
func NewRedisNotifier(ctx context.Context, addr, password string, db int, channel string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisNotifier(client, channel), nil
}

func newRedisNotifier(client publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Notify publishes n. The number of subscribers reached is not checked.
func (rn *RedisNotifier) Notify(ctx context.Context, n models.Notification) error {
	msg, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := rn.client.Publish(ctx, rn.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the redis connection
func (rn *RedisNotifier) Close() error {
	return rn.client.Close()
}

// Nop drops every notification.
type Nop struct{}

// Notify implements service.Notifier.
func (Nop) Notify(context.Context, models.Notification) error { return nil }
