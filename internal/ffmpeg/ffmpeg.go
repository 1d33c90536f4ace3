// Package ffmpeg implements the capture pipeline and the live stream
// publisher on top of the ffmpeg binary
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/psantana5/ffmpeg-egress/internal/cgroups"
)

// Config holds ffmpeg process settings
type Config struct {
	BinaryPath string `mapstructure:"binary_path"`
	// SourceURLTemplate is the room composite input. It may reference
	// {room_name}, {room_id}, {layout} and {base_url}. Empty selects a
	// generated test pattern.
	SourceURLTemplate string `mapstructure:"source_url_template"`
	// TrackURLTemplate is the input of one published track. It may reference
	// {room_name}, {room_id} and {track_id}. Empty selects a test pattern.
	TrackURLTemplate string `mapstructure:"track_url_template"`
	// TempDir holds segments until they are handed to the output
	TempDir string `mapstructure:"temp_dir"`
	// MaxDuration ends a session with a limit-reached event. Zero is unlimited.
	MaxDuration time.Duration `mapstructure:"max_duration"`
	// StopTimeout bounds the flush after Stop before the process is killed
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// ChunkSize is the read size of byte stream formats
	ChunkSize int `mapstructure:"chunk_size"`
	// Cgroup confines each capture process
	Cgroup cgroups.Config `mapstructure:"cgroup"`
}

// DefaultConfig returns the process defaults
func DefaultConfig() Config {
	return Config{
		BinaryPath:  "ffmpeg",
		TempDir:     os.TempDir(),
		StopTimeout: 10 * time.Second,
		ChunkSize:   32 * 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BinaryPath == "" {
		c.BinaryPath = def.BinaryPath
	}
	if c.TempDir == "" {
		c.TempDir = def.TempDir
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	return c
}

// FindBinary locates name in PATH or common install locations
func FindBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{"/opt/homebrew/bin/" + name, "/usr/local/bin/" + name}
	case "linux":
		paths = []string{"/usr/bin/" + name, "/usr/local/bin/" + name}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Version returns the first line of `ffmpeg -version`
func Version(ctx context.Context, binaryPath string) (string, error) {
	out, err := exec.CommandContext(ctx, binaryPath, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	if line = strings.TrimSpace(line); line == "" {
		return "", fmt.Errorf("no version output")
	}
	return line, nil
}
