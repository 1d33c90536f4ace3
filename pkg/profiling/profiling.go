// Package profiling ships continuous CPU and heap profiles to a Pyroscope server
package profiling

import (
	"github.com/grafana/pyroscope-go"
	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/logging"
)

// Config holds the profiler settings
type Config struct {
	Enabled         bool              `mapstructure:"enabled"`
	ServerAddress   string            `mapstructure:"server_address"`
	ApplicationName string            `mapstructure:"application_name"`
	Tags            map[string]string `mapstructure:"tags"`
}

// Profiler is a running profiler. A nil *Profiler is valid and does nothing.
type Profiler struct {
	p *pyroscope.Profiler
}

// Start begins profiling. It returns nil when profiling is disabled.
func Start(cfg Config, log *logrus.Entry) (*Profiler, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	log = logging.Or(log)
	name := cfg.ApplicationName
	if name == "" {
		name = "ffmpeg-egress"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		Logger:          log,
		Tags:            cfg.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, err
	}
	log.WithField("server", cfg.ServerAddress).Info("Continuous profiling enabled")
	return &Profiler{p: p}, nil
}

// Close flushes and stops the profiler
func (p *Profiler) Close() error {
	if p == nil {
		return nil
	}
	return p.p.Stop()
}
