// Package events publishes EgressInfo updates to external consumers
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Notifier receives every descriptor change. Publish failures are reported
// to the caller, which logs them; they never affect the egress.
type Notifier interface {
	Publish(ctx context.Context, info *models.EgressInfo) error
	Close() error
}

// Config selects the notifier backends
type Config struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
}

// Noop discards updates
type Noop struct{}

// Publish implements Notifier
func (Noop) Publish(context.Context, *models.EgressInfo) error { return nil }

// Close implements Notifier
func (Noop) Close() error { return nil }

// Multi fans an update out to several notifiers
type Multi []Notifier

// Publish implements Notifier. Every notifier is tried; errors are joined.
func (m Multi) Publish(ctx context.Context, info *models.EgressInfo) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Notifier
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every update in memory
type Recorder struct {
	mu      sync.Mutex
	updates []*models.EgressInfo
	signal  chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{signal: make(chan struct{}, 1)}
}

// Publish implements Notifier
func (r *Recorder) Publish(_ context.Context, info *models.EgressInfo) error {
	r.mu.Lock()
	r.updates = append(r.updates, info.Clone())
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

// Close implements Notifier
func (r *Recorder) Close() error { return nil }

// Updates returns the updates published so far
func (r *Recorder) Updates() []*models.EgressInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.EgressInfo(nil), r.updates...)
}

// Statuses returns the status sequence published for egressID
func (r *Recorder) Statuses(egressID string) []models.EgressStatus {
	var out []models.EgressStatus
	for _, u := range r.Updates() {
		if u.EgressID == egressID && (len(out) == 0 || out[len(out)-1] != u.Status) {
			out = append(out, u.Status)
		}
	}
	return out
}

// Signal is notified after each publish
func (r *Recorder) Signal() <-chan struct{} {
	return r.signal
}
