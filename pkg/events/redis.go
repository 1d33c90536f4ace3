package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// RedisConfig configures the update channel
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// RedisNotifier publishes updates on a pub/sub channel. Subscribers that are
// not connected miss updates; the registry stays the source of truth.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier publishes on channel, or <prefix>:egress:updates when empty
func NewRedisNotifier(client *redis.Client, prefix, channel string) *RedisNotifier {
	if channel == "" {
		channel = prefix + ":egress:updates"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel returns the pub/sub channel name
func (r *RedisNotifier) Channel() string {
	return r.channel
}

// Publish implements Notifier
func (r *RedisNotifier) Publish(ctx context.Context, info *models.EgressInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Close implements Notifier. The client is owned by the caller.
func (r *RedisNotifier) Close() error {
	return nil
}
