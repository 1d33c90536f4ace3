package store

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Registry is the job registry: one descriptor per egress id, in creation order.
// Returned descriptors are snapshots; mutating them has no effect on the registry.
type Registry interface {
	// Reserve inserts a new descriptor. Fails with DuplicateID if the id exists.
	Reserve(ctx context.Context, info *models.EgressInfo) error
	// Get returns a snapshot. Fails with NotFound.
	Get(ctx context.Context, id string) (*models.EgressInfo, error)
	// Update applies mutate to a private copy and publishes it atomically.
	// Terminal descriptors are immutable and reject updates with InvalidState.
	Update(ctx context.Context, id string, mutate func(*models.EgressInfo) error) (*models.EgressInfo, error)
	// List returns snapshots matching filter in creation order
	List(ctx context.Context, filter Filter) []*models.EgressInfo
	// Prune removes terminal descriptors that ended before cutoff
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Len() int
	Close() error
}

// Filter selects descriptors for List. Empty fields match everything.
type Filter struct {
	RoomName string
	EgressID string
	Active   bool // only non-terminal descriptors
}

// Match reports whether info passes the filter
func (f Filter) Match(info *models.EgressInfo) bool {
	if f.RoomName != "" && info.RoomName != f.RoomName {
		return false
	}
	if f.EgressID != "" && info.EgressID != f.EgressID {
		return false
	}
	if f.Active && info.Status.IsTerminal() {
		return false
	}
	return true
}

// Persister durably mirrors registry contents. The registry stays the source
// of truth while the process runs; the persister is read back on startup.
type Persister interface {
	Save(ctx context.Context, info *models.EgressInfo) error
	Delete(ctx context.Context, id string) error
	// LoadAll returns every persisted descriptor ordered by creation time
	LoadAll(ctx context.Context) ([]*models.EgressInfo, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config selects the persistence backend
type Config struct {
	Type string `mapstructure:"type"` // memory, sqlite, postgres or redis
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"` // sqlite file

	// Retention is how long terminal descriptors stay listable. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ErrUnsupportedBackend is returned by NewPersister for unknown store types
var ErrUnsupportedBackend = fmt.Errorf("unsupported store type")

func notFound(id string) error {
	return models.Errorf(models.KindNotFound, "get", "egress %s not found", id)
}
