package output

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

// fileHandle records a single file, either transcoded (file) or raw (direct)
type fileHandle struct {
	handleBase
	kind     models.OutputKind
	key      string
	path     string
	uploader Uploader

	f         *os.File
	size      int64
	duration  time.Duration
	startedAt time.Time
}

func openFile(base handleBase, kind models.OutputKind, key string, up Uploader) (*fileHandle, error) {
	path := base.localPath(key, up != nil)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, models.NewError(models.KindConfiguration, "open", "create output directory", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "open", "create output file", err)
	}
	base.log.WithField("filename", key).Debug("Opened file output")
	return &fileHandle{
		handleBase: base,
		kind:       kind,
		key:        key,
		path:       path,
		uploader:   up,
		f:          f,
		startedAt:  base.now(),
	}, nil
}

func (h *fileHandle) Kind() models.OutputKind { return h.kind }

// Write appends packet data. Local disk errors are not transient.
func (h *fileHandle) Write(ctx context.Context, pkt pipeline.Packet) error {
	n, err := h.f.Write(pkt.Data)
	h.size += int64(n)
	h.duration += pkt.Duration
	h.observeWrite(h.kind, n)
	if err != nil {
		return models.NewError(models.KindFatalDelivery, "write", "write output file", err)
	}
	return nil
}

func (h *fileHandle) Finalize(ctx context.Context) (*models.EgressResult, error) {
	if err := h.f.Close(); err != nil {
		return nil, models.NewError(models.KindFatalDelivery, "finalize", "close output file", err)
	}
	endedAt := h.now()

	location, err := filepath.Abs(h.path)
	if err != nil {
		location = h.path
	}
	if h.uploader != nil {
		defer h.uploader.Close()
		if location, err = h.upload(ctx, h.kind, h.uploader, h.path, h.key); err != nil {
			return nil, err
		}
		os.RemoveAll(h.tempDir)
	}

	duration := h.duration
	if duration == 0 {
		duration = endedAt.Sub(h.startedAt)
	}
	h.log.WithFields(logrus.Fields{
		"filename": h.key,
		"size":     h.size,
	}).Info("File output finalized")

	return &models.EgressResult{File: &models.FileInfo{
		Filename:  h.key,
		StartedAt: micros(h.startedAt),
		EndedAt:   micros(endedAt),
		Duration:  duration.Microseconds(),
		Size:      h.size,
		Location:  location,
	}}, nil
}

// Abort removes the partial file
func (h *fileHandle) Abort() {
	h.f.Close()
	os.Remove(h.path)
	if h.uploader != nil {
		h.uploader.Close()
		os.RemoveAll(h.tempDir)
	}
}
