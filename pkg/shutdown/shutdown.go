// Package shutdown runs registered cleanup steps when the process is asked to stop
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
)

// Manager handles graceful shutdown. Steps run in reverse registration order.
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	log     *logrus.Entry
}

type step struct {
	name string
	fn   func(context.Context) error
}

// New creates a shutdown manager whose steps share one timeout
func New(timeout time.Duration, log *logrus.Entry) *Manager {
	return &Manager{timeout: timeout, log: logging.Or(log)}
}

// Register adds a named shutdown step
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Shutdown runs every step, last registered first, and returns the first error
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var first error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		m.log.WithField("step", s.name).Info("Shutting down")
		if err := s.fn(ctx); err != nil {
			m.log.WithError(err).WithField("step", s.name).Error("Shutdown step failed")
			if first == nil {
				first = fmt.Errorf("%s: %w", s.name, err)
			}
		}
	}
	m.log.Info("Graceful shutdown complete")
	return first
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// StopServer adapts anything with Shutdown(ctx), such as *http.Server
func StopServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return server.Shutdown
}

// CloseResource adapts an io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
