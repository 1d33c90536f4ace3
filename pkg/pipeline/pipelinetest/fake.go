// Package pipelinetest provides a scriptable in-memory pipeline for tests
package pipelinetest

import (
	"context"
	"errors"
	"sync"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

// ErrLayoutUnsupported is returned by sessions created with NoLayout
var ErrLayoutUnsupported = errors.New("layout updates not supported")

// Pipeline records every Attach and hands out controllable sessions
type Pipeline struct {
	mu       sync.Mutex
	sessions []*Session
	attached chan *Session

	// AttachErr, if set, fails every Attach
	AttachErr error
	// Block, if set, makes Attach wait until it is closed or ctx is done
	Block chan struct{}
	// NoLayout makes UpdateLayout fail
	NoLayout bool
}

// New creates a fake pipeline
func New() *Pipeline {
	return &Pipeline{attached: make(chan *Session, 64)}
}

// Attach implements pipeline.Pipeline
func (p *Pipeline) Attach(ctx context.Context, src pipeline.Source, opts models.EncodingOptions, format pipeline.Format) (pipeline.Session, error) {
	if p.Block != nil {
		select {
		case <-p.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.AttachErr != nil {
		return nil, p.AttachErr
	}

	s := &Session{
		Source:   src,
		Options:  opts,
		Format:   format,
		packets:  make(chan pipeline.Packet),
		events:   make(chan pipeline.Event, 4),
		ending:   make(chan struct{}),
		noLayout: p.NoLayout,
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	p.attached <- s
	return s, nil
}

// Attached returns a channel receiving each session as it is attached
func (p *Pipeline) Attached() <-chan *Session {
	return p.attached
}

// Sessions returns every session attached so far
func (p *Pipeline) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Session is a fake session driven by the test. Packets are unbuffered so
// Send blocks until the consumer takes the packet.
type Session struct {
	Source  pipeline.Source
	Options models.EncodingOptions
	Format  pipeline.Format

	packets  chan pipeline.Packet
	events   chan pipeline.Event
	ending   chan struct{}
	noLayout bool

	sendMu  sync.Mutex
	endOnce sync.Once

	mu        sync.Mutex
	layouts   []string
	closed    bool
	stopCount int
}

// Packets implements pipeline.Session
func (s *Session) Packets() <-chan pipeline.Packet { return s.packets }

// Events implements pipeline.Session
func (s *Session) Events() <-chan pipeline.Event { return s.events }

// UpdateLayout implements pipeline.Session
func (s *Session) UpdateLayout(ctx context.Context, layout string) error {
	if s.noLayout {
		return ErrLayoutUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layouts = append(s.layouts, layout)
	return nil
}

// Stop implements pipeline.Session. The fake ends the packet stream right away.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopCount++
	s.mu.Unlock()
	s.End()
}

// Close implements pipeline.Session
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

// Send delivers a packet, blocking until it is consumed or the session stops
func (s *Session) Send(ctx context.Context, pkt pipeline.Packet) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.ending:
		return false
	default:
	}
	select {
	case s.packets <- pkt:
		return true
	case <-s.ending:
		return false
	case <-ctx.Done():
		return false
	}
}

// Emit delivers a lifecycle event
func (s *Session) Emit(ev pipeline.Event) {
	s.events <- ev
}

// End closes the packet stream, as a pipeline does once it has flushed
func (s *Session) End() {
	s.endOnce.Do(func() {
		close(s.ending)
		s.sendMu.Lock()
		close(s.packets)
		s.sendMu.Unlock()
	})
}

// Layouts returns the layouts received so far
func (s *Session) Layouts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.layouts...)
}

// Stopped reports whether Stop was called
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount > 0
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
