// Package service is the egress orchestrator behind every RPC surface: it
// validates requests, admits and registers jobs, and routes updates to the
// machine that owns each job.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/egress"
	"github.com/psantana5/ffmpeg-egress/pkg/events"
	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/resources"
	"github.com/psantana5/ffmpeg-egress/pkg/store"
	"github.com/psantana5/ffmpeg-egress/pkg/tracing"
)

// DefaultBaseURL is the recorder page used when neither the request nor the
// configuration names one
const DefaultBaseURL = "http://localhost:7980/recorder"

// Config holds orchestrator defaults
type Config struct {
	DefaultPreset  models.EncodingOptionsPreset `mapstructure:"default_preset"`
	DefaultBaseURL string                       `mapstructure:"default_base_url"`
}

// Egress is the RPC surface shared by the HTTP and gRPC transports
type Egress interface {
	StartRoomCompositeEgress(ctx context.Context, req *models.RoomCompositeEgressRequest) (*models.EgressInfo, error)
	StartTrackCompositeEgress(ctx context.Context, req *models.TrackCompositeEgressRequest) (*models.EgressInfo, error)
	StartTrackEgress(ctx context.Context, req *models.TrackEgressRequest) (*models.EgressInfo, error)
	UpdateLayout(ctx context.Context, req *models.UpdateLayoutRequest) (*models.EgressInfo, error)
	UpdateStream(ctx context.Context, req *models.UpdateStreamRequest) (*models.EgressInfo, error)
	ListEgress(ctx context.Context, req *models.ListEgressRequest) (*models.ListEgressResponse, error)
	StopEgress(ctx context.Context, req *models.StopEgressRequest) (*models.EgressInfo, error)
	GetEgress(ctx context.Context, id string) (*models.EgressInfo, error)
	ActiveCount() int
}

var _ Egress = (*Service)(nil)

// Service implements the egress RPCs
type Service struct {
	cfg       Config
	deps      egress.Deps
	admission *resources.Manager
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	machines map[string]*egress.Machine
}

// New creates a service. Jobs run until they end or Shutdown is called.
// A nil admission manager admits every job.
func New(cfg Config, deps egress.Deps, admission *resources.Manager) *Service {
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = models.DefaultPreset
	}
	if cfg.DefaultBaseURL == "" {
		cfg.DefaultBaseURL = DefaultBaseURL
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = events.Noop{}
	}
	deps.Log = logging.Or(deps.Log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		deps:      deps,
		admission: admission,
		log:       deps.Log,
		ctx:       ctx,
		cancel:    cancel,
		machines:  make(map[string]*egress.Machine),
	}
}

// StartRoomCompositeEgress starts recording or streaming a rendered room
func (s *Service) StartRoomCompositeEgress(ctx context.Context, req *models.RoomCompositeEgressRequest) (*models.EgressInfo, error) {
	return s.start(ctx, models.EgressRequest{RoomComposite: req})
}

// StartTrackCompositeEgress starts muxing an audio and a video track
func (s *Service) StartTrackCompositeEgress(ctx context.Context, req *models.TrackCompositeEgressRequest) (*models.EgressInfo, error) {
	return s.start(ctx, models.EgressRequest{TrackComposite: req})
}

// StartTrackEgress starts exporting a single track
func (s *Service) StartTrackEgress(ctx context.Context, req *models.TrackEgressRequest) (*models.EgressInfo, error) {
	return s.start(ctx, models.EgressRequest{Track: req})
}

// start returns the STARTING descriptor; the job itself proceeds in the background
func (s *Service) start(ctx context.Context, req models.EgressRequest) (*models.EgressInfo, error) {
	ctx, span := s.deps.Tracer.StartSpan(ctx, "egress.start")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.ctx.Err() != nil {
		return nil, models.Errorf(models.KindResourceExhausted, "start", "egress service is shutting down")
	}
	encoding, err := s.encoding(req)
	if err != nil {
		return nil, err
	}

	id := models.NewEgressID()
	if s.admission != nil {
		if err := s.admission.Reserve(id, req.Kind()); err != nil {
			if errors.Is(err, models.ErrResourceExhausted) {
				s.deps.Metrics.AdmissionRejected()
				s.log.WithError(err).WithField("request_type", req.Kind()).Warn("Egress rejected by admission control")
			}
			return nil, err
		}
		s.deps.Metrics.SetReservedCPU(s.admission.Reserved())
	}

	now := s.deps.Now().UnixMicro()
	info := &models.EgressInfo{
		EgressID:  id,
		RoomName:  req.RoomName(),
		Status:    models.EgressStatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
		Request:   req.Clone(),
	}
	if err := s.deps.Store.Reserve(ctx, info); err != nil {
		s.release(id)
		return nil, err
	}
	if err := s.deps.Notifier.Publish(ctx, info); err != nil {
		s.log.WithError(err).Warn("Failed to publish egress update")
		s.deps.Metrics.PublishFailed()
	}

	m := egress.New(info, s.deps, egress.Config{
		Encoding:   encoding,
		BaseURL:    s.cfg.DefaultBaseURL,
		OnTerminal: s.onTerminal,
	})
	s.mu.Lock()
	s.machines[id] = m
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		m.Run(s.ctx)
	}()

	tracing.AddEvent(ctx, "egress.created", tracing.EgressAttrs(id, info.RoomName)...)
	logging.ForEgress(s.log, info).WithField("request_type", req.Kind()).Info("Egress created")
	return info.Clone(), nil
}

// encoding resolves the effective encoding of composite requests.
// Track egress is never transcoded.
func (s *Service) encoding(req models.EgressRequest) (models.EncodingOptions, error) {
	switch {
	case req.RoomComposite != nil:
		return models.ResolveEncoding(req.RoomComposite.Preset, req.RoomComposite.Advanced, s.cfg.DefaultPreset)
	case req.TrackComposite != nil:
		return models.ResolveEncoding(req.TrackComposite.Preset, req.TrackComposite.Advanced, s.cfg.DefaultPreset)
	default:
		return models.EncodingOptions{}, nil
	}
}

func (s *Service) onTerminal(info *models.EgressInfo) {
	s.mu.Lock()
	delete(s.machines, info.EgressID)
	s.mu.Unlock()
	s.release(info.EgressID)
}

func (s *Service) release(id string) {
	if s.admission == nil {
		return
	}
	s.admission.Release(id)
	s.deps.Metrics.SetReservedCPU(s.admission.Reserved())
}

func (s *Service) machine(id string) (*egress.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	return m, ok
}

// ListEgress returns a snapshot of matching jobs in creation order
func (s *Service) ListEgress(ctx context.Context, req *models.ListEgressRequest) (*models.ListEgressResponse, error) {
	var filter store.Filter
	if req != nil {
		filter = store.Filter{RoomName: req.RoomName, EgressID: req.EgressID, Active: req.Active}
	}
	return &models.ListEgressResponse{Items: s.deps.Store.List(ctx, filter)}, nil
}

// GetEgress returns one job
func (s *Service) GetEgress(ctx context.Context, id string) (*models.EgressInfo, error) {
	return s.deps.Store.Get(ctx, id)
}

// StopEgress stops a job. Stopping an ending or ended job returns it unchanged.
func (s *Service) StopEgress(ctx context.Context, req *models.StopEgressRequest) (*models.EgressInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if m, ok := s.machine(req.EgressID); ok {
		return m.Stop(ctx)
	}
	return s.deps.Store.Get(ctx, req.EgressID)
}

// UpdateLayout changes the layout of a running room composite.
// The ffmpeg pipeline cannot relayout a running encoder, so with it every
// call fails with InvalidState wrapping ffmpeg.ErrLayoutUnsupported.
func (s *Service) UpdateLayout(ctx context.Context, req *models.UpdateLayoutRequest) (*models.EgressInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, err := s.running(ctx, req.EgressID, "update_layout")
	if err != nil {
		return nil, err
	}
	return m.UpdateLayout(ctx, req.Layout)
}

// UpdateStream adds and removes endpoints of a running stream output
func (s *Service) UpdateStream(ctx context.Context, req *models.UpdateStreamRequest) (*models.EgressInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, err := s.running(ctx, req.EgressID, "update_stream")
	if err != nil {
		return nil, err
	}
	return m.UpdateStream(ctx, req.AddOutputURLs, req.RemoveOutputURLs)
}

// running returns the machine of a live job, NotFound for unknown ids and
// InvalidState for jobs that already ended
func (s *Service) running(ctx context.Context, id, op string) (*egress.Machine, error) {
	if m, ok := s.machine(id); ok {
		return m, nil
	}
	info, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, models.Errorf(models.KindInvalidState, op, "egress %s is %s", id, info.Status)
}

// ActiveCount returns the number of jobs that have not ended
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}

// Shutdown aborts every running job and waits for the machines to record
// their final status, or for ctx to expire
func (s *Service) Shutdown(ctx context.Context) error {
	s.log.WithField("active", s.ActiveCount()).Info("Aborting running egresses")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
