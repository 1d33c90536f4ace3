// Package egress runs one egress job: it attaches the pipeline, feeds packets
// to the output, and owns every status change of the job's descriptor.
package egress

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/ffmpeg-egress/pkg/events"
	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/metrics"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/output"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
	"github.com/psantana5/ffmpeg-egress/pkg/rooms"
	"github.com/psantana5/ffmpeg-egress/pkg/store"
	"github.com/psantana5/ffmpeg-egress/pkg/tracing"
)

// Deps are the collaborators shared by every machine
type Deps struct {
	Store    store.Registry
	Pipeline pipeline.Pipeline
	Rooms    rooms.Directory
	Outputs  output.Opener
	Notifier events.Notifier
	Metrics  *metrics.Metrics
	Tracer   *tracing.Provider
	Log      *logrus.Entry
	Now      func() time.Time
}

// Config is the per-job setup resolved by the caller
type Config struct {
	// Encoding is the effective encoding, after presets and defaults
	Encoding models.EncodingOptions
	// BaseURL is the recorder page for room composites
	BaseURL string
	// OnTerminal runs once, after the terminal descriptor is stored
	OnTerminal func(info *models.EgressInfo)
}

// Machine owns the descriptor of a single egress. All transitions happen on
// the goroutine running Run; callers talk to it through commands.
type Machine struct {
	id   string
	req  models.EgressRequest
	deps Deps
	cfg  Config
	log  *logrus.Entry

	commands chan command
	done     chan struct{}

	// owned by the Run goroutine
	session pipeline.Session
	handle  output.Handle
	version uint64
	packets <-chan pipeline.Packet
	signals <-chan pipeline.Event
	started time.Time
}

// New creates a machine for a descriptor already reserved in the store
func New(info *models.EgressInfo, deps Deps, cfg Config) *Machine {
	if deps.Notifier == nil {
		deps.Notifier = events.Noop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Machine{
		id:       info.EgressID,
		req:      info.Request.Clone(),
		deps:     deps,
		cfg:      cfg,
		log:      logging.ForEgress(deps.Log, info),
		commands: make(chan command),
		done:     make(chan struct{}),
	}
}

// ID returns the egress id
func (m *Machine) ID() string {
	return m.id
}

// Done is closed once the job reached a terminal status
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

type startResult struct {
	room    *rooms.Room
	session pipeline.Session
	handle  output.Handle
	err     error
}

// Run drives the job to a terminal status. Cancelling ctx aborts the job.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)

	ctx, span := m.deps.Tracer.StartSpan(ctx, "egress.run", tracing.EgressAttrs(m.id, m.req.RoomName())...)
	defer span.End()

	m.started = m.deps.Now()
	m.deps.Metrics.EgressStarted(m.req.Kind())
	m.log.Info("Egress starting")

	res, pending, stopped := m.awaitStart(ctx)
	if res.room != nil {
		m.update(ctx, func(info *models.EgressInfo) error {
			info.RoomID = res.room.ID
			return nil
		})
	}

	switch {
	case stopped != nil || ctx.Err() != nil:
		m.release(res)
		info := m.transition(ctx, models.EgressStatusAborted, "stopped while starting", nil)
		if stopped != nil {
			stopped.respond(info, nil)
		}
		m.rejectAll(pending, info)
		return
	case res.err != nil:
		m.release(res)
		info := m.fail(ctx, res.err, nil)
		m.rejectAll(pending, info)
		return
	}

	m.session, m.handle = res.session, res.handle
	m.packets, m.signals = m.session.Packets(), m.session.Events()
	m.transition(ctx, models.EgressStatusActive, "pipeline attached", func(info *models.EgressInfo) {
		if live, ok := m.handle.(output.LiveResult); ok {
			info.Result, m.version = live.Result()
		}
	})

	for _, cmd := range pending {
		if m.apply(ctx, cmd) {
			return
		}
	}
	m.loop(ctx)
}

// awaitStart resolves the source and opens the output while still serving
// commands. Updates are queued until the job is ACTIVE; a stop aborts.
func (m *Machine) awaitStart(ctx context.Context) (startResult, []command, *command) {
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan startResult, 1)
	go func() {
		results <- m.start(startCtx)
	}()

	var pending []command
	for {
		select {
		case res := <-results:
			return res, pending, nil
		case cmd := <-m.commands:
			if cmd.kind == cmdStop {
				cancel()
				return <-results, pending, &cmd
			}
			if err := m.precheck(cmd); err != nil {
				cmd.respond(nil, err)
				continue
			}
			pending = append(pending, cmd)
		case <-ctx.Done():
			return <-results, pending, nil
		}
	}
}

func (m *Machine) start(ctx context.Context) startResult {
	room, err := m.deps.Rooms.Lookup(ctx, m.req.RoomName())
	if err != nil {
		return startResult{err: err}
	}
	if err := rooms.ResolveSource(room, m.req); err != nil {
		return startResult{room: room, err: err}
	}

	spec, err := m.req.Output()
	if err != nil {
		return startResult{room: room, err: err}
	}
	meta := m.meta(room)
	handle, err := m.deps.Outputs.Open(ctx, spec, meta)
	if err != nil {
		return startResult{room: room, err: err}
	}

	src := m.source(room)
	if spec.Segments != nil {
		src.SegmentDuration = output.SegmentDuration(spec.Segments)
	}
	session, err := m.deps.Pipeline.Attach(ctx, src, m.cfg.Encoding, output.FormatFor(spec, meta))
	if err != nil {
		handle.Abort()
		return startResult{room: room, err: err}
	}
	return startResult{room: room, session: session, handle: handle}
}

func (m *Machine) meta(room *rooms.Room) output.Meta {
	meta := output.Meta{
		EgressID:  m.id,
		RoomName:  room.Name,
		RoomID:    room.ID,
		StartedAt: m.deps.Now(),
	}
	switch {
	case m.req.RoomComposite != nil:
		meta.AudioOnly = m.req.RoomComposite.AudioOnly
	case m.req.TrackComposite != nil:
		meta.AudioOnly = m.req.TrackComposite.VideoTrackID == ""
	case m.req.Track != nil:
		if t, ok := room.Track(m.req.Track.TrackID); ok {
			meta.TrackKind = string(t.Kind)
		}
	}
	return meta
}

func (m *Machine) source(room *rooms.Room) pipeline.Source {
	src := pipeline.Source{Kind: m.req.Kind(), RoomName: room.Name, RoomID: room.ID}
	switch {
	case m.req.RoomComposite != nil:
		r := m.req.RoomComposite
		src.Layout = r.Layout
		src.AudioOnly = r.AudioOnly
		src.VideoOnly = r.VideoOnly
		src.BaseURL = r.CustomBaseURL
		if src.BaseURL == "" {
			src.BaseURL = m.cfg.BaseURL
		}
	case m.req.TrackComposite != nil:
		src.AudioTrackID = m.req.TrackComposite.AudioTrackID
		src.VideoTrackID = m.req.TrackComposite.VideoTrackID
	case m.req.Track != nil:
		src.TrackID = m.req.Track.TrackID
		if t, ok := room.Track(src.TrackID); ok {
			src.TrackKind = string(t.Kind)
		}
	}
	return src
}

// release drops whatever a failed start left open
func (m *Machine) release(res startResult) {
	if res.session != nil {
		res.session.Close()
	}
	if res.handle != nil {
		res.handle.Abort()
	}
}

func (m *Machine) loop(ctx context.Context) {
	for {
		select {
		case pkt, ok := <-m.packets:
			if !ok {
				m.end(ctx, "source ended")
				return
			}
			if err := m.write(ctx, pkt); err != nil {
				m.writeFailed(ctx, err)
				return
			}
		case ev, ok := <-m.signals:
			if !ok {
				m.signals = nil
				continue
			}
			m.handleEvent(ctx, ev)
			return
		case cmd := <-m.commands:
			if m.apply(ctx, cmd) {
				return
			}
		case <-ctx.Done():
			m.abort(ctx, "egress service shutting down")
			return
		}
	}
}

func (m *Machine) handleEvent(ctx context.Context, ev pipeline.Event) {
	m.log.WithField("event", ev.Type.String()).Info("Pipeline event")
	switch ev.Type {
	case pipeline.EventSourceEnded:
		m.end(ctx, "source ended")
	case pipeline.EventLimitReached:
		m.session.Stop()
		if err := m.drain(ctx); err != nil {
			m.drainFailed(ctx, err)
			return
		}
		result, err := m.handle.Finalize(ctx)
		if err != nil {
			m.finalizeFailed(ctx, err)
			return
		}
		m.closeSession()
		m.transition(ctx, models.EgressStatusLimitReached, "limit reached", func(info *models.EgressInfo) {
			info.Result = result
		})
	default:
		err := ev.Err
		if err == nil {
			err = errors.New("pipeline failed")
		}
		result := m.liveResult()
		m.closeSession()
		m.handle.Abort()
		m.fail(ctx, err, result)
	}
}

// end moves to ENDING, flushes the pipeline and finalizes the output
func (m *Machine) end(ctx context.Context, reason string) {
	m.transition(ctx, models.EgressStatusEnding, reason, nil)
	m.finish(ctx)
}

func (m *Machine) finish(ctx context.Context) {
	m.session.Stop()
	if err := m.drain(ctx); err != nil {
		m.drainFailed(ctx, err)
		return
	}
	result, err := m.handle.Finalize(ctx)
	if err != nil {
		m.finalizeFailed(ctx, err)
		return
	}
	m.closeSession()
	m.transition(ctx, models.EgressStatusComplete, "outputs finalized", func(info *models.EgressInfo) {
		info.Result = result
	})
}

// drain writes what the pipeline still flushes after Stop
func (m *Machine) drain(ctx context.Context) error {
	for {
		select {
		case pkt, ok := <-m.packets:
			if !ok {
				return nil
			}
			if err := m.write(ctx, pkt); err != nil {
				return err
			}
		case ev, ok := <-m.signals:
			if !ok {
				m.signals = nil
				continue
			}
			if ev.Type == pipeline.EventFatalError && ev.Err != nil {
				return ev.Err
			}
		case cmd := <-m.commands:
			m.rejectWhileEnding(ctx, cmd)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Machine) write(ctx context.Context, pkt pipeline.Packet) error {
	if err := m.handle.Write(ctx, pkt); err != nil {
		return err
	}
	m.syncResult(ctx)
	return nil
}

func (m *Machine) writeFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		m.abort(ctx, "egress service shutting down")
		return
	}
	m.transition(ctx, models.EgressStatusEnding, err.Error(), nil)
	result := m.liveResult()
	m.closeSession()
	m.handle.Abort()
	m.fail(ctx, err, result)
}

func (m *Machine) drainFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		m.abort(ctx, "egress service shutting down")
		return
	}
	result := m.liveResult()
	m.closeSession()
	m.handle.Abort()
	m.fail(ctx, err, result)
}

func (m *Machine) finalizeFailed(ctx context.Context, err error) {
	m.closeSession()
	if ctx.Err() != nil {
		m.abort(ctx, "egress service shutting down")
		return
	}
	m.handle.Abort()
	m.fail(ctx, err, m.liveResult())
}

// abort cancels the job without producing a result
func (m *Machine) abort(ctx context.Context, reason string) *models.EgressInfo {
	m.closeSession()
	if m.handle != nil {
		m.handle.Abort()
	}
	return m.transition(ctx, models.EgressStatusAborted, reason, nil)
}

func (m *Machine) fail(ctx context.Context, err error, result *models.EgressResult) *models.EgressInfo {
	m.log.WithError(err).Error("Egress failed")
	tracing.SetError(ctx, err)
	return m.transition(ctx, models.EgressStatusFailed, "failed", func(info *models.EgressInfo) {
		info.Error = err.Error()
		if result != nil {
			info.Result = result
		}
	})
}

func (m *Machine) closeSession() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		m.log.WithError(err).Warn("Failed to close pipeline session")
	}
}

// liveResult returns the current result of handles that keep one
func (m *Machine) liveResult() *models.EgressResult {
	if live, ok := m.handle.(output.LiveResult); ok {
		result, _ := live.Result()
		return result
	}
	return nil
}

// syncResult stores the live result when it changed since the last sync
func (m *Machine) syncResult(ctx context.Context) {
	live, ok := m.handle.(output.LiveResult)
	if !ok {
		return
	}
	result, version := live.Result()
	if version == m.version {
		return
	}
	m.version = version
	m.update(ctx, func(info *models.EgressInfo) error {
		info.Result = result
		info.UpdatedAt = m.deps.Now().UnixMicro()
		return nil
	})
}

// transition applies a status change, publishes the descriptor and, for
// terminal statuses, runs the terminal bookkeeping exactly once
func (m *Machine) transition(ctx context.Context, to models.EgressStatus, reason string, mutate func(*models.EgressInfo)) *models.EgressInfo {
	info := m.update(ctx, func(info *models.EgressInfo) error {
		if err := info.Transition(to, reason, m.deps.Now()); err != nil {
			return err
		}
		if mutate != nil {
			mutate(info)
		}
		return nil
	})
	if info == nil {
		return m.current(ctx)
	}

	tracing.AddEvent(ctx, "egress.transition",
		attribute.String("egress.status", string(to)),
		attribute.String("egress.reason", reason))
	log := m.log.WithFields(logrus.Fields{"status": to, "reason": reason})
	if to.IsTerminal() {
		log.Info("Egress ended")
		m.deps.Metrics.EgressEnded(m.req.Kind(), to, m.deps.Now().Sub(m.started))
		if m.cfg.OnTerminal != nil {
			m.cfg.OnTerminal(info)
		}
	} else {
		log.Info("Egress status changed")
	}
	return info
}

// update stores a mutation and publishes the new descriptor. Writes are not
// tied to ctx so a shutdown still records the final status.
func (m *Machine) update(ctx context.Context, mutate func(*models.EgressInfo) error) *models.EgressInfo {
	info, err := m.deps.Store.Update(context.WithoutCancel(ctx), m.id, mutate)
	if err != nil {
		m.log.WithError(err).Error("Failed to update egress")
		return nil
	}
	if err := m.deps.Notifier.Publish(context.WithoutCancel(ctx), info); err != nil {
		m.log.WithError(err).Warn("Failed to publish egress update")
		m.deps.Metrics.PublishFailed()
	}
	return info
}

func (m *Machine) current(ctx context.Context) *models.EgressInfo {
	info, err := m.deps.Store.Get(context.WithoutCancel(ctx), m.id)
	if err != nil {
		m.log.WithError(err).Error("Failed to read egress")
		return nil
	}
	return info
}
