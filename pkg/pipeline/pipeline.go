// Package pipeline defines the capture/encode collaborator the egress state
// machine drives. Implementations live elsewhere (internal/ffmpeg); this
// package only fixes the contract.
package pipeline

import (
	"context"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Format is the container the pipeline must produce
type Format string

const (
	FormatMP4      Format = "mp4"      // fragmented mp4 byte stream
	FormatOGG      Format = "ogg"      // ogg/opus byte stream
	FormatSegments Format = "segments" // complete HLS (mpegts) segments
	FormatFLV      Format = "flv"      // live restream payload
	FormatRaw      Format = "raw"      // track bytes without transcoding
)

// Source selects what to capture. Room fields are resolved before Attach.
type Source struct {
	Kind     models.RequestKind
	RoomName string
	RoomID   string

	// room composite
	Layout    string
	BaseURL   string
	AudioOnly bool
	VideoOnly bool

	// track composite
	AudioTrackID string
	VideoTrackID string

	// track
	TrackID   string
	TrackKind string // "audio" or "video", empty when unknown

	// SegmentDuration is the target segment length of FormatSegments
	SegmentDuration time.Duration
}

// Packet is one unit handed to an output adapter: a chunk of a byte stream,
// or a complete segment when Segment is set.
type Packet struct {
	Data     []byte
	Duration time.Duration // media time covered by Data, if known
	Segment  bool
}

// EventType enumerates pipeline lifecycle signals
type EventType int

const (
	EventSourceEnded EventType = iota
	EventLimitReached
	EventFatalError
)

func (t EventType) String() string {
	switch t {
	case EventSourceEnded:
		return "source_ended"
	case EventLimitReached:
		return "limit_reached"
	case EventFatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Event is a lifecycle signal from a running session
type Event struct {
	Type EventType
	Err  error // set for EventFatalError
}

// Pipeline attaches to a source and produces packets in the requested format
type Pipeline interface {
	Attach(ctx context.Context, src Source, opts models.EncodingOptions, format Format) (Session, error)
}

// Session is one attached capture. Packets is closed once the session has
// flushed after Stop, after the source ended, or after Close.
// Consumers must keep draining Packets; an undrained channel stalls the
// pipeline, which is how backpressure reaches the encoder.
type Session interface {
	Packets() <-chan Packet
	Events() <-chan Event
	// UpdateLayout changes the layout of a room composite mid-flight
	UpdateLayout(ctx context.Context, layout string) error
	// Stop asks the pipeline to finish the current segment and end
	Stop()
	// Close tears the session down immediately
	Close() error
}
