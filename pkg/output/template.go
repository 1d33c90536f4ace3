package output

import (
	"path"
	"strings"
	"time"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// TimeLayout formats the {time} placeholder
const TimeLayout = "2006-01-02T150405"

// DefaultSegmentDuration applies when a segmented output leaves it unset
const DefaultSegmentDuration = 6 * time.Second

// Meta identifies the egress an output belongs to
type Meta struct {
	EgressID  string
	RoomName  string
	RoomID    string
	StartedAt time.Time
	AudioOnly bool
	// TrackKind is "audio" or "video" for track egress
	TrackKind string
}

// Expand substitutes {room_name}, {room_id}, {time} and {egress_id}
func (m Meta) Expand(s string) string {
	return strings.NewReplacer(
		"{room_name}", m.RoomName,
		"{room_id}", m.RoomID,
		"{time}", m.StartedAt.UTC().Format(TimeLayout),
		"{egress_id}", m.EgressID,
	).Replace(s)
}

func (m Meta) trackExtension() string {
	if m.TrackKind == "video" {
		return ".webm"
	}
	return ".ogg"
}

func fileExtension(t models.EncodedFileType, m Meta) string {
	if t == models.FileTypeOGG || ((t == "" || t == models.FileTypeDefault) && m.AudioOnly) {
		return ".ogg"
	}
	return ".mp4"
}

// FilePath expands a file path template, defaulting to {room_name}-{time},
// and appends ext when the result has no extension
func FilePath(tmpl, ext string, m Meta) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "{room_name}-{time}"
	}
	p := m.Expand(tmpl)
	if strings.HasSuffix(p, "/") {
		p += m.Expand("{room_name}-{time}")
	}
	if path.Ext(p) == "" {
		p += ext
	}
	return p
}

// PlaylistPath returns the playlist key and the segment prefix for a
// segmented output
func PlaylistPath(o *models.SegmentedFileOutput, m Meta) (playlist, prefix string) {
	playlist = FilePath(o.PlaylistName, ".m3u8", m)
	if o.FilenamePrefix != "" {
		prefix = m.Expand(o.FilenamePrefix)
	} else {
		prefix = strings.TrimSuffix(playlist, path.Ext(playlist))
	}
	return playlist, prefix
}

// SegmentDuration returns the configured duration or the default
func SegmentDuration(o *models.SegmentedFileOutput) time.Duration {
	if o.SegmentDuration == 0 {
		return DefaultSegmentDuration
	}
	return time.Duration(o.SegmentDuration) * time.Second
}
