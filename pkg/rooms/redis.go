package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// RedisDirectory reads rooms published by the media server as JSON
// documents under <prefix>:room:<name>
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedisDirectory wraps an established client
func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = "egress"
	}
	return &RedisDirectory{client: client, prefix: prefix}
}

// Key returns the redis key holding room name
func (d *RedisDirectory) Key(name string) string {
	return d.prefix + ":room:" + name
}

// Lookup implements Directory
func (d *RedisDirectory) Lookup(ctx context.Context, name string) (*Room, error) {
	data, err := d.client.Get(ctx, d.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.Errorf(models.KindSourceNotFound, "resolve", "room %s not found", name)
	}
	if err != nil {
		return nil, models.NewError(models.KindInternal, "resolve", "room directory unavailable", err)
	}
	return decodeRoom(name, data)
}

// Publish stores room, replacing any previous entry
func (d *RedisDirectory) Publish(ctx context.Context, room Room) error {
	if room.ID == "" {
		room.ID = RoomID(room.Name)
	}
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, d.Key(room.Name), data, 0).Err()
}

func decodeRoom(name string, data []byte) (*Room, error) {
	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, models.NewError(models.KindInternal, "resolve", fmt.Sprintf("malformed room %s", name), err)
	}
	if room.Name == "" {
		room.Name = name
	}
	if room.ID == "" {
		room.ID = RoomID(room.Name)
	}
	return &room, nil
}
