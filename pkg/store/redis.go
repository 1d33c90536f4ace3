package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// RedisPersister keeps each descriptor as a JSON string under
// <prefix>:egress:<id>, ordered by a sorted set scored on created_at.
type RedisPersister struct {
	client *redis.Client
	prefix string
}

// NewRedisPersister wraps an established client
func NewRedisPersister(client *redis.Client, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = "egress"
	}
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) key(id string) string {
	return p.prefix + ":egress:" + id
}

func (p *RedisPersister) indexKey() string {
	return p.prefix + ":egress_index"
}

// Save writes the descriptor and indexes it
func (p *RedisPersister) Save(ctx context.Context, info *models.EgressInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal egress %s: %w", info.EgressID, err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key(info.EgressID), data, 0)
		pipe.ZAddNX(ctx, p.indexKey(), redis.Z{Score: float64(info.CreatedAt), Member: info.EgressID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save egress %s: %w", info.EgressID, err)
	}
	return nil
}

// Delete removes the descriptor and its index entry
func (p *RedisPersister) Delete(ctx context.Context, id string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key(id))
		pipe.ZRem(ctx, p.indexKey(), id)
		return nil
	})
	return err
}

// LoadAll returns descriptors in creation order, skipping dangling index entries
func (p *RedisPersister) LoadAll(ctx context.Context) ([]*models.EgressInfo, error) {
	ids, err := p.client.ZRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read egress index: %w", err)
	}

	out := make([]*models.EgressInfo, 0, len(ids))
	for _, id := range ids {
		data, err := p.client.Get(ctx, p.key(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		info, err := models.UnmarshalEgressInfo(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode egress %s: %w", id, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// HealthCheck pings redis
func (p *RedisPersister) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
