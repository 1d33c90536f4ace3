package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/redisclient"
)

// Open builds the registry described by config. "memory" (or empty) keeps
// descriptors in process only; other types add a persister.
func Open(ctx context.Context, config Config, redisCfg redisclient.Config, log *logrus.Entry) (*MemoryStore, error) {
	p, err := NewPersister(ctx, config, redisCfg)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return NewMemoryStore(), nil
	}
	s, err := NewPersistentStore(ctx, p, log)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewPersister creates the persister for config.Type. It returns nil for memory.
func NewPersister(ctx context.Context, config Config, redisCfg redisclient.Config) (Persister, error) {
	switch config.Type {
	case "", "memory":
		return nil, nil
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "egress.db"
		}
		return NewSQLitePersister(ctx, path)
	case "postgres", "postgresql":
		return NewPostgresPersister(ctx, config)
	case "redis":
		client, err := redisclient.New(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		return NewRedisPersister(client, redisCfg.Prefix()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, config.Type)
	}
}
