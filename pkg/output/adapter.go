// Package output turns pipeline packets into recorded files, HLS segments
// or live restreams, and produces the result records of a finished egress.
package output

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
	"github.com/psantana5/ffmpeg-egress/pkg/retry"
)

// Handle is an open output. Write and Finalize are called from a single
// goroutine; Abort may be called at any point after Open.
type Handle interface {
	Kind() models.OutputKind
	Write(ctx context.Context, pkt pipeline.Packet) error
	// Finalize flushes and uploads, then returns the result record
	Finalize(ctx context.Context) (*models.EgressResult, error)
	// Abort releases resources without producing a result
	Abort()
}

// LiveResult is implemented by handles whose result is meaningful while the
// egress is still running. The version increases whenever the result changes.
type LiveResult interface {
	Result() (*models.EgressResult, uint64)
}

// StreamUpdater is implemented by stream handles
type StreamUpdater interface {
	AddURL(ctx context.Context, rawURL string) error
	RemoveURL(rawURL string) error
}

// Opener creates handles
type Opener interface {
	Open(ctx context.Context, spec models.OutputSpec, meta Meta) (Handle, error)
}

// Observer receives delivery measurements. Nil is allowed.
type Observer interface {
	ObserveWrite(kind models.OutputKind, bytes int)
	ObserveRetry(kind models.OutputKind, op string)
}

// Factory is the default Opener
type Factory struct {
	// OutputDir is the base for relative local file paths
	OutputDir string
	// TempDir holds files waiting to be uploaded
	TempDir   string
	Retry     retry.Config
	Uploaders UploaderFactory
	Dialer    Dialer
	Observer  Observer
	Log       *logrus.Entry
	Now       func() time.Time
}

// Open validates the output spec and prepares the output. Configuration problems
// surface here so the egress fails before capture starts.
func (f *Factory) Open(ctx context.Context, spec models.OutputSpec, meta Meta) (Handle, error) {
	dest, err := spec.Upload()
	if err != nil {
		return nil, err
	}

	var up Uploader
	if !dest.IsLocal() {
		newUploader := f.Uploaders
		if newUploader == nil {
			newUploader = NewUploader
		}
		if up, err = newUploader(ctx, dest); err != nil {
			return nil, err
		}
	}

	base := f.base(meta)
	switch spec.Kind() {
	case models.OutputKindFile:
		return openFile(base, models.OutputKindFile, FilePath(spec.File.Filepath, fileExtension(spec.File.FileType, meta), meta), up)
	case models.OutputKindDirect:
		return openFile(base, models.OutputKindDirect, FilePath(spec.Direct.Filepath, meta.trackExtension(), meta), up)
	case models.OutputKindSegments:
		return openSegments(base, spec.Segments, up)
	case models.OutputKindStream:
		dialer := f.Dialer
		if dialer == nil {
			return nil, models.Errorf(models.KindConfiguration, "open", "no stream dialer configured")
		}
		return openStream(ctx, base, spec.Stream, dialer)
	default:
		return nil, models.Errorf(models.KindValidation, "open", "output is required")
	}
}

// handleBase carries what every handle shares
type handleBase struct {
	meta      Meta
	outputDir string
	tempDir   string
	retry     retry.Config
	observer  Observer
	log       *logrus.Entry
	now       func() time.Time
}

func (f *Factory) base(meta Meta) handleBase {
	now := f.Now
	if now == nil {
		now = time.Now
	}
	tempDir := f.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return handleBase{
		meta:      meta,
		outputDir: f.OutputDir,
		tempDir:   filepath.Join(tempDir, meta.EgressID),
		retry:     f.Retry,
		observer:  f.Observer,
		log:       logging.Or(f.Log).WithField("egress_id", meta.EgressID),
		now:       now,
	}
}

// localPath resolves where a file is written: the final path for local
// outputs, a scratch path under the temp dir when it will be uploaded
func (b handleBase) localPath(key string, upload bool) string {
	if upload {
		return filepath.Join(b.tempDir, filepath.FromSlash(objectKey(key)))
	}
	if filepath.IsAbs(key) || b.outputDir == "" {
		return key
	}
	return filepath.Join(b.outputDir, key)
}

func (b handleBase) upload(ctx context.Context, kind models.OutputKind, up Uploader, localPath, key string) (string, error) {
	var location string
	err := retry.Do(ctx, b.retry, func() error {
		var err error
		location, err = up.Upload(ctx, localPath, key, ContentType(key))
		return err
	}, func(a retry.Attempt) {
		b.log.WithError(a.Err).WithFields(logrus.Fields{
			"key":     key,
			"attempt": a.Number,
			"backoff": a.Backoff,
		}).Warn("Upload failed, retrying")
		b.observeRetry(kind, "upload")
	})
	return location, err
}

func (b handleBase) observeWrite(kind models.OutputKind, n int) {
	if b.observer != nil {
		b.observer.ObserveWrite(kind, n)
	}
}

func (b handleBase) observeRetry(kind models.OutputKind, op string) {
	if b.observer != nil {
		b.observer.ObserveRetry(kind, op)
	}
}

// FormatFor returns the container the pipeline must produce for spec
func FormatFor(spec models.OutputSpec, meta Meta) pipeline.Format {
	switch spec.Kind() {
	case models.OutputKindFile:
		if fileExtension(spec.File.FileType, meta) == ".ogg" {
			return pipeline.FormatOGG
		}
		return pipeline.FormatMP4
	case models.OutputKindSegments:
		return pipeline.FormatSegments
	case models.OutputKindStream:
		if spec.Stream.Protocol == models.StreamProtocolWebsocket {
			return pipeline.FormatRaw
		}
		return pipeline.FormatFLV
	default:
		return pipeline.FormatRaw
	}
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}
