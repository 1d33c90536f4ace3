// Package cgroups confines ffmpeg processes to per-egress cgroups.
// Placement is best effort: without permission the process runs unconfined.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultRoot   = "/sys/fs/cgroup"
	defaultParent = "egress"
	cpuPeriod     = 100000
)

// Config enables per-process limits
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Root    string `mapstructure:"root"`
	Parent  string `mapstructure:"parent"`
	// CPUs caps each process at this many cores. Zero is unlimited.
	CPUs float64 `mapstructure:"cpus"`
	// MemoryMax caps each process in bytes. Zero is unlimited.
	MemoryMax int64 `mapstructure:"memory_max"`
}

// Limits are written into a new cgroup
type Limits struct {
	CPUs      float64
	MemoryMax int64
}

// Validate checks the limits
func (l Limits) Validate() error {
	if l.CPUs < 0 {
		return fmt.Errorf("invalid cpu limit: %g", l.CPUs)
	}
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	return nil
}

func (l Limits) quota() int64 {
	return int64(l.CPUs * cpuPeriod)
}

// Manager creates, joins and deletes cgroups under root/parent
type Manager struct {
	root    string
	parent  string
	limits  Limits
	version int
}

// New creates a manager, or nil when cfg is disabled
func New(cfg Config) *Manager {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Root == "" {
		cfg.Root = defaultRoot
	}
	if cfg.Parent == "" {
		cfg.Parent = defaultParent
	}
	return &Manager{
		root:    cfg.Root,
		parent:  cfg.Parent,
		limits:  Limits{CPUs: cfg.CPUs, MemoryMax: cfg.MemoryMax},
		version: Version(cfg.Root),
	}
}

// Version returns the cgroup version mounted at root (1 or 2)
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Create makes a cgroup named name with the configured limits and returns
// its path. An empty path with a nil error means cgroups are not writable.
func (m *Manager) Create(name string) (string, error) {
	if err := m.limits.Validate(); err != nil {
		return "", err
	}
	name = sanitize(name)
	if m.version == 2 {
		return m.createV2(name)
	}
	return m.createV1(name)
}

func (m *Manager) createV2(name string) (string, error) {
	path := filepath.Join(m.root, m.parent, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		if os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}
	if m.limits.CPUs > 0 {
		if err := write(path, "cpu.max", fmt.Sprintf("%d %d", m.limits.quota(), cpuPeriod)); err != nil {
			return path, err
		}
	}
	if m.limits.MemoryMax > 0 {
		if err := write(path, "memory.max", strconv.FormatInt(m.limits.MemoryMax, 10)); err != nil {
			return path, err
		}
	}
	return path, nil
}

func (m *Manager) createV1(name string) (string, error) {
	cpuPath := filepath.Join(m.root, "cpu", m.parent, name)
	if err := os.MkdirAll(cpuPath, 0o755); err != nil {
		if os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}
	if m.limits.CPUs > 0 {
		if err := write(cpuPath, "cpu.cfs_period_us", strconv.Itoa(cpuPeriod)); err != nil {
			return cpuPath, err
		}
		if err := write(cpuPath, "cpu.cfs_quota_us", strconv.FormatInt(m.limits.quota(), 10)); err != nil {
			return cpuPath, err
		}
	}
	if m.limits.MemoryMax > 0 {
		memPath := memoryPath(cpuPath)
		if err := os.MkdirAll(memPath, 0o755); err == nil {
			write(memPath, "memory.limit_in_bytes", strconv.FormatInt(m.limits.MemoryMax, 10))
		}
	}
	return cpuPath, nil
}

// Join moves pid into the cgroup at path
func (m *Manager) Join(path string, pid int) error {
	if path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if err := write(path, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return err
	}
	if m.version == 1 {
		// best effort: the memory hierarchy may not be mounted
		write(memoryPath(path), "cgroup.procs", strconv.Itoa(pid))
	}
	return nil
}

// Delete removes the cgroup once its processes have exited
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if m.version == 1 {
		os.Remove(memoryPath(path))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func memoryPath(cpuPath string) string {
	return strings.Replace(cpuPath, string(filepath.Separator)+"cpu"+string(filepath.Separator), string(filepath.Separator)+"memory"+string(filepath.Separator), 1)
}

func write(dir, file, value string) error {
	return os.WriteFile(filepath.Join(dir, file), []byte(value), 0o644)
}

// sanitize keeps cgroup names to one path element
func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = fmt.Sprintf("unnamed-%d", os.Getpid())
	}
	return name
}
