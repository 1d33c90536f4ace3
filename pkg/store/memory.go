package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// RestartError is recorded on descriptors that were still running when the
// previous process exited
const RestartError = "egress service restarted"

// MemoryStore is the in-memory job registry. Stored descriptors are never
// mutated in place: Update swaps in a modified copy, so readers holding the
// read lock only ever copy pointers.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.EgressInfo
	order []string

	persister Persister
	log       *logrus.Entry
}

// NewMemoryStore creates a registry without persistence
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.EgressInfo),
		order: make([]string, 0),
		log:   logging.Or(nil),
	}
}

// NewPersistentStore creates a registry mirrored to p. Descriptors persisted
// by a previous process are loaded; those that never reached a terminal state
// are marked FAILED.
func NewPersistentStore(ctx context.Context, p Persister, log *logrus.Entry) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.persister = p
	s.log = logging.Or(log)

	loaded, err := p.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	recovered := 0
	for _, info := range loaded {
		if _, exists := s.items[info.EgressID]; exists {
			continue
		}
		if !info.Status.IsTerminal() {
			if err := info.Transition(models.EgressStatusFailed, RestartError, now); err != nil {
				s.log.WithError(err).WithField("egress_id", info.EgressID).Warn("Cannot recover descriptor")
				continue
			}
			info.Error = RestartError
			if err := p.Save(ctx, info); err != nil {
				s.log.WithError(err).WithField("egress_id", info.EgressID).Warn("Failed to persist recovered descriptor")
			}
			recovered++
		}
		s.items[info.EgressID] = info
		s.order = append(s.order, info.EgressID)
	}

	s.log.WithFields(logrus.Fields{
		"loaded":    len(s.order),
		"recovered": recovered,
	}).Info("Registry loaded from persistent store")
	return s, nil
}

// Reserve inserts a new descriptor
func (s *MemoryStore) Reserve(ctx context.Context, info *models.EgressInfo) error {
	if info == nil || info.EgressID == "" {
		return models.Errorf(models.KindInternal, "reserve", "descriptor without id")
	}
	stored := info.Clone()

	s.mu.Lock()
	if _, exists := s.items[stored.EgressID]; exists {
		s.mu.Unlock()
		return models.Errorf(models.KindDuplicateID, "reserve", "egress %s already exists", stored.EgressID)
	}
	s.items[stored.EgressID] = stored
	s.order = append(s.order, stored.EgressID)
	s.mu.Unlock()

	s.persist(ctx, stored)
	return nil
}

// Get retrieves a descriptor snapshot by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.EgressInfo, error) {
	s.mu.RLock()
	info, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return nil, notFound(id)
	}
	return info.Clone(), nil
}

// Update applies mutate to a copy of the descriptor and publishes the copy.
// The status graph is enforced: a terminal descriptor is final.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*models.EgressInfo) error) (*models.EgressInfo, error) {
	s.mu.Lock()
	current, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil, notFound(id)
	}
	if current.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, models.Errorf(models.KindInvalidState, "update", "egress %s is %s", id, current.Status)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if next.EgressID != id {
		s.mu.Unlock()
		return nil, models.Errorf(models.KindInternal, "update", "egress id is immutable")
	}
	if err := checkTransitions(current, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.items[id] = next
	s.mu.Unlock()

	s.persist(ctx, next)
	return next.Clone(), nil
}

// checkTransitions validates every step a mutation appended to the history.
// Without appended history the status may move at most one edge.
func checkTransitions(current, next *models.EgressInfo) error {
	appended := next.Transitions
	if len(appended) > len(current.Transitions) {
		appended = appended[len(current.Transitions):]
	} else {
		appended = nil
	}
	if len(appended) == 0 {
		if next.Status == current.Status {
			return nil
		}
		return models.ValidateTransition(current.Status, next.Status)
	}

	from := current.Status
	for _, step := range appended {
		if step.From != from {
			return models.Errorf(models.KindInvalidState, "transition", "history jumps from %s to %s", from, step.From)
		}
		if err := models.ValidateTransition(step.From, step.To); err != nil {
			return err
		}
		from = step.To
	}
	if from != next.Status {
		return models.Errorf(models.KindInvalidState, "transition", "history ends at %s but status is %s", from, next.Status)
	}
	return nil
}

// List returns snapshots matching filter, in creation order
func (s *MemoryStore) List(ctx context.Context, filter Filter) []*models.EgressInfo {
	s.mu.RLock()
	matched := make([]*models.EgressInfo, 0, len(s.order))
	for _, id := range s.order {
		if info := s.items[id]; filter.Match(info) {
			matched = append(matched, info)
		}
	}
	s.mu.RUnlock()

	// published descriptors are immutable, so copying outside the lock is safe
	out := make([]*models.EgressInfo, len(matched))
	for i, info := range matched {
		out[i] = info.Clone()
	}
	return out
}

// Prune drops terminal descriptors whose ended_at is before cutoff
func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMicro()

	s.mu.Lock()
	var removed []string
	kept := s.order[:0]
	for _, id := range s.order {
		info := s.items[id]
		if info.Status.IsTerminal() && info.EndedAt != 0 && info.EndedAt < limit {
			delete(s.items, id)
			removed = append(removed, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	if s.persister != nil {
		for _, id := range removed {
			if err := s.persister.Delete(ctx, id); err != nil {
				return len(removed), err
			}
		}
	}
	return len(removed), nil
}

// Len returns the number of descriptors held
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// HealthCheck pings the persister, if any
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.HealthCheck(ctx)
}

// Close closes the persister, if any
func (s *MemoryStore) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

func (s *MemoryStore) persist(ctx context.Context, info *models.EgressInfo) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(ctx, info); err != nil {
		s.log.WithError(err).WithField("egress_id", info.EgressID).Error("Failed to persist descriptor")
	}
}
