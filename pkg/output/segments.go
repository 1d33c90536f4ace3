package output

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

// segmentHandle writes numbered mpegts segments and keeps an HLS playlist
// next to them. With an uploader, each segment and the refreshed playlist
// are uploaded as soon as the segment is complete.
type segmentHandle struct {
	handleBase
	playlistKey string
	prefix      string
	uploader    Uploader
	playlist    *Playlist

	seq              int
	size             int64
	duration         time.Duration
	startedAt        time.Time
	playlistLocation string
}

func openSegments(base handleBase, o *models.SegmentedFileOutput, up Uploader) (*segmentHandle, error) {
	playlistKey, prefix := PlaylistPath(o, base.meta)
	h := &segmentHandle{
		handleBase:  base,
		playlistKey: playlistKey,
		prefix:      prefix,
		uploader:    up,
		playlist:    NewPlaylist(SegmentDuration(o)),
		startedAt:   base.now(),
	}
	for _, key := range []string{playlistKey, prefix + "_"} {
		if err := os.MkdirAll(filepath.Dir(h.localPath(key, up != nil)), 0755); err != nil {
			return nil, models.NewError(models.KindConfiguration, "open", "create segment directory", err)
		}
	}
	base.log.WithFields(logrus.Fields{
		"playlist":         playlistKey,
		"segment_duration": SegmentDuration(o),
	}).Debug("Opened segmented output")
	return h, nil
}

func (h *segmentHandle) Kind() models.OutputKind { return models.OutputKindSegments }

// SegmentName returns the key of segment n
func SegmentName(prefix string, n int) string {
	return fmt.Sprintf("%s_%05d.ts", prefix, n)
}

// Write stores one complete segment. The sequence number only advances once
// the segment is durable, so a retried upload reuses the same name.
func (h *segmentHandle) Write(ctx context.Context, pkt pipeline.Packet) error {
	if !pkt.Segment {
		return models.Errorf(models.KindInternal, "write", "segmented output received a partial packet")
	}

	key := SegmentName(h.prefix, h.seq)
	local := h.localPath(key, h.uploader != nil)
	if err := os.WriteFile(local, pkt.Data, 0644); err != nil {
		return models.NewError(models.KindFatalDelivery, "write", "write segment", err)
	}
	if h.uploader != nil {
		if _, err := h.upload(ctx, models.OutputKindSegments, h.uploader, local, key); err != nil {
			return err
		}
		os.Remove(local)
	}

	h.seq++
	h.size += int64(len(pkt.Data))
	h.duration += pkt.Duration
	h.playlist.Append(h.playlistURI(key), pkt.Duration)
	h.observeWrite(models.OutputKindSegments, len(pkt.Data))

	return h.writePlaylist(ctx, false)
}

func (h *segmentHandle) playlistURI(segmentKey string) string {
	if path.Dir(segmentKey) == path.Dir(h.playlistKey) {
		return path.Base(segmentKey)
	}
	return segmentKey
}

func (h *segmentHandle) writePlaylist(ctx context.Context, final bool) error {
	local := h.localPath(h.playlistKey, h.uploader != nil)
	if err := os.WriteFile(local, []byte(h.playlist.Render(final)), 0644); err != nil {
		return models.NewError(models.KindFatalDelivery, "write", "write playlist", err)
	}
	if h.uploader == nil {
		if abs, err := filepath.Abs(local); err == nil {
			h.playlistLocation = abs
		} else {
			h.playlistLocation = local
		}
		return nil
	}
	location, err := h.upload(ctx, models.OutputKindSegments, h.uploader, local, h.playlistKey)
	if err != nil {
		return err
	}
	h.playlistLocation = location
	return nil
}

func (h *segmentHandle) Finalize(ctx context.Context) (*models.EgressResult, error) {
	if h.uploader != nil {
		defer h.uploader.Close()
	}
	if err := h.writePlaylist(ctx, true); err != nil {
		return nil, err
	}
	if h.uploader != nil {
		os.RemoveAll(h.tempDir)
	}

	h.log.WithFields(logrus.Fields{
		"playlist": h.playlistKey,
		"segments": h.seq,
	}).Info("Segmented output finalized")

	return &models.EgressResult{Segments: &models.SegmentsInfo{
		PlaylistName:     h.playlistKey,
		PlaylistLocation: h.playlistLocation,
		Duration:         h.duration.Microseconds(),
		Size:             h.size,
		SegmentCount:     int64(h.seq),
		StartedAt:        micros(h.startedAt),
		EndedAt:          micros(h.now()),
	}}, nil
}

// Abort leaves already written local segments in place; uploads in progress
// are abandoned and scratch files removed
func (h *segmentHandle) Abort() {
	if h.uploader != nil {
		h.uploader.Close()
		os.RemoveAll(h.tempDir)
	}
}
