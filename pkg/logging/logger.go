package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

// Config controls logger construction
type Config struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"` // json or text
	Output    string `mapstructure:"output"` // stdout, stderr or file
	Directory string `mapstructure:"directory"`
	Component string `mapstructure:"component"`
}

// DefaultLogDir is tried first for file output; ./logs is the fallback
const DefaultLogDir = "/var/log/egress"

// New builds a logrus logger from cfg. Sensitive fields are always redacted.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := configure(logger, cfg); err != nil {
		return nil, err
	}
	return logger, nil
}

// Init configures the process-wide logrus logger
func Init(cfg Config) error {
	return configure(logrus.StandardLogger(), cfg)
}

func configure(logger *logrus.Logger, cfg Config) error {
	logger.SetLevel(ParseLevel(cfg.Level))

	switch strings.ToLower(cfg.Format) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	out, err := openOutput(cfg)
	if err != nil {
		return err
	}
	logger.SetOutput(out)
	logger.AddHook(RedactHook{})
	return nil
}

func openOutput(cfg Config) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		path, err := LogPath(cfg.Directory, cfg.Component)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		return io.MultiWriter(f, os.Stdout), nil
	default:
		return nil, fmt.Errorf("unsupported log output %q", cfg.Output)
	}
}

// LogPath returns <dir>/<component>.log, creating dir. An empty dir tries
// DefaultLogDir and falls back to ./logs when it is not writable.
func LogPath(dir, component string) (string, error) {
	if component == "" {
		component = "egress"
	}
	if dir == "" {
		dir = DefaultLogDir
		if !isWritable(dir) {
			dir = "./logs"
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return filepath.Join(dir, component+".log"), nil
}

func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// ParseLevel parses a log level string, defaulting to info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// WithComponent returns an entry tagged with the component name.
// A nil logger means the standard logger.
func WithComponent(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", name)
}

// Or returns entry, or a standard logger entry when entry is nil
func Or(entry *logrus.Entry) *logrus.Entry {
	if entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return entry
}

// ForEgress tags entry with the job identity carried on every per-job line
func ForEgress(entry *logrus.Entry, info *models.EgressInfo) *logrus.Entry {
	return Or(entry).WithFields(logrus.Fields{
		"egress_id": info.EgressID,
		"room_name": info.RoomName,
		"status":    info.Status,
	})
}

var sensitiveKeys = map[string]bool{
	"secret":        true,
	"access_key":    true,
	"account_key":   true,
	"credentials":   true,
	"password":      true,
	"api_key":       true,
	"authorization": true,
}

// RedactHook scrubs credential fields and the stream key part of url fields
type RedactHook struct{}

// Levels implements logrus.Hook
func (RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (RedactHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		key := strings.ToLower(k)
		switch {
		case sensitiveKeys[key]:
			entry.Data[k] = "[redacted]"
		case key == "url" || strings.HasSuffix(key, "_url"):
			if s, ok := v.(string); ok {
				entry.Data[k] = models.RedactURL(s)
			}
		}
	}
	return nil
}
