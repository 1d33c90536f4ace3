package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/output"
)

// publishQueue is the number of chunks buffered ahead of a slow endpoint
const publishQueue = 64

// Dialer relays the pipeline's FLV stream to RTMP and SRT endpoints through
// a remuxing ffmpeg process per endpoint
type Dialer struct {
	cfg Config
	log *logrus.Entry
}

var _ output.Dialer = (*Dialer)(nil)

// NewDialer creates a live endpoint dialer
func NewDialer(cfg Config, log *logrus.Entry) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), log: logging.Or(log)}
}

// PublishArgs returns the relay command line for one endpoint
func PublishArgs(protocol models.StreamProtocol, rawURL string) []string {
	muxer := "flv"
	if protocol == models.StreamProtocolSRT {
		muxer = "mpegts"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "flv", "-i", "pipe:0",
		"-c", "copy",
		"-f", muxer, rawURL,
	}
}

// Dial implements output.Dialer. Connection failures surface on the first
// writes after the relay exits.
func (d *Dialer) Dial(ctx context.Context, protocol models.StreamProtocol, rawURL string) (output.Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.KindDelivery, "dial", "dial canceled", err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.cfg.BinaryPath, PublishArgs(protocol, rawURL)...)
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, models.NewError(models.KindDelivery, "dial", "failed to open relay stdin", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, models.NewError(models.KindFatalDelivery, "dial", "failed to start relay", err)
	}

	p := &relayPublisher{
		cmd:     cmd,
		cancel:  cancel,
		stdin:   stdin,
		stderr:  stderr,
		timeout: d.cfg.StopTimeout,
		queue:   make(chan []byte, publishQueue),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go p.pump()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	d.log.WithFields(logrus.Fields{"protocol": string(protocol), "pid": cmd.Process.Pid}).Debug("Relay started")
	return p, nil
}

type relayPublisher struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stderr  *tailBuffer
	timeout time.Duration

	queue   chan []byte
	done    chan struct{}
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Write queues data for the relay. A full queue blocks until ctx expires.
func (p *relayPublisher) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.exited:
		return p.exitError()
	case <-p.done:
		return models.Errorf(models.KindDelivery, "write", "publisher closed")
	default:
	}
	select {
	case p.queue <- data:
		return nil
	case <-p.exited:
		return p.exitError()
	case <-p.done:
		return models.Errorf(models.KindDelivery, "write", "publisher closed")
	case <-ctx.Done():
		return models.NewError(models.KindDelivery, "write", "endpoint stalled", ctx.Err())
	}
}

func (p *relayPublisher) pump() {
	defer p.stdin.Close()
	for {
		select {
		case data := <-p.queue:
			if _, err := p.stdin.Write(data); err != nil {
				return
			}
		case <-p.done:
			for {
				select {
				case data := <-p.queue:
					if _, err := p.stdin.Write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Close flushes queued data, ends the relay input and waits for the relay
// to finish, killing it after the stop timeout
func (p *relayPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.cancel()
			<-p.exited
		}
		p.cancel()
	})
	return nil
}

func (p *relayPublisher) exitError() error {
	tail := p.stderr.String()
	kind := models.KindDelivery
	if rejected(tail) {
		kind = models.KindFatalDelivery
	}
	return models.NewError(kind, "write", "relay exited", fmt.Errorf("%v: %s", p.waitErr, tail))
}

// rejected reports whether ffmpeg's output shows the server refused the
// credentials or stream key
func rejected(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "authentication", "permission denied"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
