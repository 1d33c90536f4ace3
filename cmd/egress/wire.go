package main

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/config"
	"github.com/psantana5/ffmpeg-egress/pkg/events"
	"github.com/psantana5/ffmpeg-egress/pkg/redisclient"
	"github.com/psantana5/ffmpeg-egress/pkg/rooms"
)

// redisClients shares one connection between the components that need it
type redisClients struct {
	cfg redisclient.Config

	mu     sync.Mutex
	client *redis.Client
}

func (r *redisClients) get(ctx context.Context) (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := redisclient.New(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *redisClients) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// buildNotifier fans updates out to every configured backend
func buildNotifier(ctx context.Context, cfg *config.Config, clients *redisClients, log *logrus.Entry) (events.Notifier, error) {
	var notifiers events.Multi
	if len(cfg.Events.Kafka.Brokers) > 0 {
		notifiers = append(notifiers, events.NewKafkaNotifier(cfg.Events.Kafka, log.WithField("component", "kafka")))
		log.WithFields(logrus.Fields{"brokers": cfg.Events.Kafka.Brokers, "topic": cfg.Events.Kafka.Topic}).Info("Publishing egress updates to Kafka")
	}
	if cfg.Events.Redis.Enabled {
		client, err := clients.get(ctx)
		if err != nil {
			return nil, err
		}
		n := events.NewRedisNotifier(client, cfg.Redis.Prefix(), cfg.Events.Redis.Channel)
		notifiers = append(notifiers, n)
		log.Info("Publishing egress updates to Redis")
	}
	switch len(notifiers) {
	case 0:
		return events.Noop{}, nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}

// buildDirectory selects the room directory
func buildDirectory(ctx context.Context, cfg *config.Config, clients *redisClients) (rooms.Directory, error) {
	switch cfg.Rooms.Directory {
	case "memory":
		return rooms.NewMemoryDirectory(cfg.Rooms.Rooms()...), nil
	case "redis":
		client, err := clients.get(ctx)
		if err != nil {
			return nil, err
		}
		return rooms.NewRedisDirectory(client, cfg.Redis.Prefix()), nil
	default:
		return rooms.Any{}, nil
	}
}
