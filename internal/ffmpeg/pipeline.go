package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/internal/cgroups"
	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/pipeline"
)

// ErrLayoutUnsupported is returned for layout changes on a running process
var ErrLayoutUnsupported = errors.New("ffmpeg sources cannot change layout while running")

// segmentPoll is how often the work dir is scanned for finished segments
const segmentPoll = 500 * time.Millisecond

// Pipeline runs one ffmpeg process per attached session
type Pipeline struct {
	cfg     Config
	log     *logrus.Entry
	cgroups *cgroups.Manager
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

// New creates an ffmpeg pipeline
func New(cfg Config, log *logrus.Entry) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{cfg: cfg, log: logging.Or(log), cgroups: cgroups.New(cfg.Cgroup)}
}

// Attach implements pipeline.Pipeline. The process outlives ctx; it ends
// through Stop, Close or the source ending.
func (p *Pipeline) Attach(ctx context.Context, src pipeline.Source, opts models.EncodingOptions, format pipeline.Format) (pipeline.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var dir string
	if format == pipeline.FormatSegments {
		var err error
		if dir, err = os.MkdirTemp(p.cfg.TempDir, "egress-segments-*"); err != nil {
			return nil, models.NewError(models.KindInternal, "attach", "failed to create segment dir", err)
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, p.cfg.BinaryPath, BuildArgs(p.cfg, src, opts, format, dir)...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	var stdout io.ReadCloser
	if format != pipeline.FormatSegments {
		var err error
		if stdout, err = cmd.StdoutPipe(); err != nil {
			cancel()
			return nil, models.NewError(models.KindInternal, "attach", "failed to open ffmpeg stdout", err)
		}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if dir != "" {
			os.RemoveAll(dir)
		}
		kind := models.KindInternal
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			kind = models.KindConfiguration
		}
		return nil, models.NewError(kind, "attach", "failed to start ffmpeg", err)
	}

	s := &session{
		cmd:     cmd,
		cancel:  cancel,
		cgroups: p.cgroups,
		cfg:     p.cfg,
		format:  format,
		dir:     dir,
		segDur:  segmentDuration(src),
		stderr:  stderr,
		log:     p.log.WithFields(logrus.Fields{"room_name": src.RoomName, "format": string(format), "pid": cmd.Process.Pid}),
		packets: make(chan pipeline.Packet),
		events:  make(chan pipeline.Event, 4),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.cgroup = p.confine(s.log, src, cmd.Process.Pid)
	if p.cfg.MaxDuration > 0 {
		s.limit = time.AfterFunc(p.cfg.MaxDuration, func() {
			s.log.WithField("max_duration", p.cfg.MaxDuration).Info("Duration limit reached")
			s.emit(pipeline.Event{Type: pipeline.EventLimitReached})
		})
	}
	s.log.Debug("FFmpeg started")
	go s.run(stdout)
	return s, nil
}

// confine moves the process into its own cgroup. Failures are logged and
// the capture continues unconfined.
func (p *Pipeline) confine(log *logrus.Entry, src pipeline.Source, pid int) string {
	if p.cgroups == nil {
		return ""
	}
	path, err := p.cgroups.Create(fmt.Sprintf("%s-%d", src.RoomID, pid))
	if err == nil {
		err = p.cgroups.Join(path, pid)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to confine ffmpeg")
		p.cgroups.Delete(path)
		return ""
	}
	if path == "" {
		log.Debug("Cgroups not writable, running unconfined")
	}
	return path
}

type session struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	cgroups *cgroups.Manager
	cgroup  string
	cfg     Config
	format  pipeline.Format
	dir     string
	segDur  time.Duration
	stderr  *tailBuffer
	log     *logrus.Entry
	limit   *time.Timer

	packets chan pipeline.Packet
	events  chan pipeline.Event
	closing chan struct{}
	exited  chan struct{}

	stopped   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *session) Packets() <-chan pipeline.Packet { return s.packets }

func (s *session) Events() <-chan pipeline.Event { return s.events }

func (s *session) UpdateLayout(ctx context.Context, layout string) error {
	return ErrLayoutUnsupported
}

// Stop interrupts ffmpeg so it flushes its muxer, killing it after StopTimeout
func (s *session) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.limit != nil {
			s.limit.Stop()
		}
		select {
		case <-s.exited:
			return
		default:
		}
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			s.cancel()
			return
		}
		go func() {
			select {
			case <-s.exited:
			case <-time.After(s.cfg.StopTimeout):
				s.log.Warn("FFmpeg did not exit after interrupt, killing")
				s.cancel()
			}
		}()
	})
}

// Close kills the process; Packets closes once it is reaped
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.limit != nil {
			s.limit.Stop()
		}
		close(s.closing)
		s.cancel()
	})
	return nil
}

func (s *session) run(stdout io.ReadCloser) {
	defer close(s.packets)
	defer s.cleanup()

	var err error
	if stdout != nil {
		s.readStream(stdout)
		err = s.cmd.Wait()
	} else {
		err = s.watchSegments()
	}
	close(s.exited)

	switch {
	case s.stopped.Load():
		s.log.Debug("FFmpeg exited after stop")
	case err != nil:
		tail := s.stderr.String()
		s.log.WithError(err).WithField("stderr", tail).Error("FFmpeg failed")
		s.emit(pipeline.Event{
			Type: pipeline.EventFatalError,
			Err:  models.NewError(models.KindInternal, "capture", "ffmpeg exited", fmt.Errorf("%w: %s", err, tail)),
		})
		// the consumer tears the session down after a fatal error
		<-s.closing
	default:
		s.log.Info("Source ended")
		s.emit(pipeline.Event{Type: pipeline.EventSourceEnded})
	}
}

func (s *session) cleanup() {
	if s.limit != nil {
		s.limit.Stop()
	}
	s.cancel()
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	if s.cgroup != "" {
		if err := s.cgroups.Delete(s.cgroup); err != nil {
			s.log.WithError(err).Debug("Failed to remove cgroup")
		}
	}
}

func (s *session) readStream(stdout io.Reader) {
	for {
		buf := make([]byte, s.cfg.ChunkSize)
		n, err := stdout.Read(buf)
		if n > 0 {
			if !s.send(pipeline.Packet{Data: buf[:n]}) {
				io.Copy(io.Discard, stdout)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// watchSegments hands out each segment once ffmpeg lists it in the playlist,
// and the rest once the process exits
func (s *session) watchSegments() error {
	waitErr := make(chan error, 1)
	go func() { waitErr <- s.cmd.Wait() }()

	ticker := time.NewTicker(segmentPoll)
	defer ticker.Stop()

	emitted := 0
	for {
		select {
		case err := <-waitErr:
			s.flushSegments(&emitted)
			return err
		case <-ticker.C:
			if !s.flushSegments(&emitted) {
				return <-waitErr
			}
		}
	}
}

// flushSegments sends playlist entries past *emitted. It returns false once
// the session is closing.
func (s *session) flushSegments(emitted *int) bool {
	data, err := os.ReadFile(filepath.Join(s.dir, "index.m3u8"))
	if err != nil {
		return true
	}
	entries := parsePlaylist(string(data))
	for ; *emitted < len(entries); *emitted++ {
		entry := entries[*emitted]
		path := filepath.Join(s.dir, filepath.Base(entry.URI))
		body, err := os.ReadFile(path)
		if err != nil {
			s.log.WithError(err).WithField("segment", entry.URI).Warn("Failed to read segment")
			continue
		}
		duration := entry.Duration
		if duration <= 0 {
			duration = s.segDur
		}
		if !s.send(pipeline.Packet{Data: body, Duration: duration, Segment: true}) {
			return false
		}
		os.Remove(path)
	}
	return true
}

func (s *session) send(pkt pipeline.Packet) bool {
	select {
	case s.packets <- pkt:
		return true
	case <-s.closing:
		return false
	}
}

func (s *session) emit(ev pipeline.Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
