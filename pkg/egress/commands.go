package egress

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/output"
)

type commandKind int

const (
	cmdStop commandKind = iota
	cmdLayout
	cmdStream
)

func (k commandKind) op() string {
	switch k {
	case cmdLayout:
		return "update_layout"
	case cmdStream:
		return "update_stream"
	default:
		return "stop"
	}
}

type command struct {
	kind   commandKind
	layout string
	add    []string
	remove []string
	reply  chan reply
}

type reply struct {
	info *models.EgressInfo
	err  error
}

func (c command) respond(info *models.EgressInfo, err error) {
	c.reply <- reply{info: info, err: err}
}

// Stop ends the job. Stopping a job that is already ending or ended returns
// its descriptor without side effects.
func (m *Machine) Stop(ctx context.Context) (*models.EgressInfo, error) {
	info, err := m.deps.Store.Get(ctx, m.id)
	if err != nil {
		return nil, err
	}
	if info.Status == models.EgressStatusEnding || info.Status.IsTerminal() {
		return info, nil
	}
	return m.send(ctx, command{kind: cmdStop})
}

// UpdateLayout forwards a new layout to a room composite's pipeline
func (m *Machine) UpdateLayout(ctx context.Context, layout string) (*models.EgressInfo, error) {
	return m.send(ctx, command{kind: cmdLayout, layout: layout})
}

// UpdateStream adds and removes stream endpoints. Adds are applied first.
func (m *Machine) UpdateStream(ctx context.Context, add, remove []string) (*models.EgressInfo, error) {
	return m.send(ctx, command{kind: cmdStream, add: add, remove: remove})
}

func (m *Machine) send(ctx context.Context, cmd command) (*models.EgressInfo, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case m.commands <- cmd:
	case <-m.done:
		return m.afterDone(ctx, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// afterDone answers commands that arrive once the job has ended
func (m *Machine) afterDone(ctx context.Context, cmd command) (*models.EgressInfo, error) {
	info, err := m.deps.Store.Get(ctx, m.id)
	if err != nil {
		return nil, err
	}
	if cmd.kind == cmdStop {
		return info, nil
	}
	return nil, m.invalidState(cmd.kind, info)
}

func (m *Machine) invalidState(kind commandKind, info *models.EgressInfo) error {
	status := models.EgressStatus("unknown")
	if info != nil {
		status = info.Status
	}
	return models.Errorf(models.KindInvalidState, kind.op(), "egress %s is %s", m.id, status)
}

// precheck rejects updates the request kind can never accept
func (m *Machine) precheck(cmd command) error {
	switch cmd.kind {
	case cmdLayout:
		if m.req.RoomComposite == nil {
			return models.Errorf(models.KindInvalidState, cmd.kind.op(), "layout updates require a room composite egress")
		}
	case cmdStream:
		spec, err := m.req.Output()
		if err != nil {
			return err
		}
		if spec.Kind() != models.OutputKindStream || spec.Stream.Protocol == models.StreamProtocolWebsocket {
			return models.Errorf(models.KindInvalidState, cmd.kind.op(), "egress %s has no updatable stream output", m.id)
		}
		for _, u := range cmd.add {
			if err := models.ValidateStreamURL(spec.Stream.Protocol, u); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply runs a command while the job is ACTIVE. It returns true when the
// command ended the job.
func (m *Machine) apply(ctx context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdStop:
		info := m.transition(ctx, models.EgressStatusEnding, "stop requested", nil)
		cmd.respond(info, nil)
		m.finish(ctx)
		return true
	case cmdLayout:
		cmd.respond(m.updateLayout(ctx, cmd))
	case cmdStream:
		cmd.respond(m.updateStream(ctx, cmd))
	}
	return false
}

func (m *Machine) updateLayout(ctx context.Context, cmd command) (*models.EgressInfo, error) {
	if err := m.precheck(cmd); err != nil {
		return nil, err
	}
	if err := m.session.UpdateLayout(ctx, cmd.layout); err != nil {
		return nil, models.NewError(models.KindInvalidState, cmd.kind.op(), "pipeline rejected layout", err)
	}
	m.log.WithField("layout", cmd.layout).Info("Layout updated")
	info := m.update(ctx, func(info *models.EgressInfo) error {
		info.UpdatedAt = m.deps.Now().UnixMicro()
		return nil
	})
	if info == nil {
		return nil, models.Errorf(models.KindInternal, cmd.kind.op(), "failed to record layout update")
	}
	return info, nil
}

func (m *Machine) updateStream(ctx context.Context, cmd command) (*models.EgressInfo, error) {
	if err := m.precheck(cmd); err != nil {
		return nil, err
	}
	updater, ok := m.handle.(output.StreamUpdater)
	if !ok {
		return nil, models.Errorf(models.KindInvalidState, cmd.kind.op(), "egress %s has no updatable stream output", m.id)
	}
	if remainingActive(m.liveResult(), cmd.add, cmd.remove) == 0 {
		return nil, models.Errorf(models.KindValidation, cmd.kind.op(), "cannot remove the last stream url")
	}

	for _, u := range cmd.add {
		if err := updater.AddURL(ctx, u); err != nil {
			return nil, err
		}
	}
	for _, u := range cmd.remove {
		if err := updater.RemoveURL(u); err != nil {
			return nil, err
		}
	}
	m.log.WithFields(logrus.Fields{
		"added":   len(cmd.add),
		"removed": len(cmd.remove),
	}).Info("Stream outputs updated")

	m.syncResult(ctx)
	if info := m.current(ctx); info != nil {
		return info, nil
	}
	return nil, models.Errorf(models.KindInternal, cmd.kind.op(), "failed to read egress %s", m.id)
}

// remainingActive counts the endpoints left ACTIVE once add and remove apply
func remainingActive(result *models.EgressResult, add, remove []string) int {
	active := make(map[string]bool)
	if result != nil && result.Stream != nil {
		for _, info := range result.Stream.Info {
			if info.Status == models.StreamStatusActive {
				active[info.URL] = true
			}
		}
	}
	for _, u := range add {
		active[u] = true
	}
	for _, u := range remove {
		delete(active, u)
	}
	return len(active)
}

// rejectWhileEnding answers commands received while the job flushes
func (m *Machine) rejectWhileEnding(ctx context.Context, cmd command) {
	info := m.current(ctx)
	if cmd.kind == cmdStop {
		cmd.respond(info, nil)
		return
	}
	cmd.respond(nil, m.invalidState(cmd.kind, info))
}

// rejectAll answers updates queued during a start that never reached ACTIVE
func (m *Machine) rejectAll(pending []command, info *models.EgressInfo) {
	for _, cmd := range pending {
		cmd.respond(nil, m.invalidState(cmd.kind, info))
	}
}
