// Package config loads the egress server configuration from YAML and
// EGRESS_ environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/ffmpeg-egress/internal/cgroups"
	"github.com/psantana5/ffmpeg-egress/internal/ffmpeg"
	"github.com/psantana5/ffmpeg-egress/pkg/events"
	"github.com/psantana5/ffmpeg-egress/pkg/logging"
	"github.com/psantana5/ffmpeg-egress/pkg/models"
	"github.com/psantana5/ffmpeg-egress/pkg/profiling"
	"github.com/psantana5/ffmpeg-egress/pkg/ratelimit"
	"github.com/psantana5/ffmpeg-egress/pkg/redisclient"
	"github.com/psantana5/ffmpeg-egress/pkg/resources"
	"github.com/psantana5/ffmpeg-egress/pkg/retry"
	"github.com/psantana5/ffmpeg-egress/pkg/rooms"
	"github.com/psantana5/ffmpeg-egress/pkg/service"
	"github.com/psantana5/ffmpeg-egress/pkg/store"
	"github.com/psantana5/ffmpeg-egress/pkg/tls"
	"github.com/psantana5/ffmpeg-egress/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. EGRESS_SERVER_HTTP_PORT
const EnvPrefix = "EGRESS"

// Config is the server configuration
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Log       logging.Config     `mapstructure:"log"`
	Store     store.Config       `mapstructure:"store"`
	Redis     redisclient.Config `mapstructure:"redis"`
	Events    events.Config      `mapstructure:"events"`
	Rooms     RoomsConfig        `mapstructure:"rooms"`
	Egress    EgressConfig       `mapstructure:"egress"`
	Delivery  retry.Config       `mapstructure:"delivery"`
	Output    OutputConfig       `mapstructure:"output"`
	FFmpeg    ffmpeg.Config      `mapstructure:"ffmpeg"`
	RateLimit ratelimit.Config   `mapstructure:"ratelimit"`
	Auth      AuthConfig         `mapstructure:"auth"`
	Tracing   tracing.Config     `mapstructure:"tracing"`
	Profiling profiling.Config   `mapstructure:"profiling"`
}

// ServerConfig holds listener settings. A zero gRPC port disables the gRPC
// transport; a zero metrics port serves /metrics on the HTTP port only.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             tls.Config    `mapstructure:"tls"`
}

// Addr joins host and port
func (s ServerConfig) Addr(port int) string {
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// EgressConfig holds orchestration and admission settings
type EgressConfig struct {
	Service   service.Config   `mapstructure:",squash"`
	Admission resources.Config `mapstructure:",squash"`
	// MaxDuration ends every egress with LIMIT_REACHED. Zero is unlimited.
	MaxDuration time.Duration `mapstructure:"max_duration"`
	// PruneInterval is how often terminal descriptors past store.retention are dropped
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// OutputConfig holds local output paths
type OutputConfig struct {
	Dir                   string        `mapstructure:"dir"`
	TempDir               string        `mapstructure:"temp_dir"`
	WebsocketWriteTimeout time.Duration `mapstructure:"websocket_write_timeout"`
}

// RoomsConfig selects the room directory: "any" accepts every room name,
// "memory" serves the static list, "redis" reads rooms written by the media
// server.
type RoomsConfig struct {
	Directory string       `mapstructure:"directory"`
	Static    []StaticRoom `mapstructure:"static"`
}

// StaticRoom is a configured room of the memory directory
type StaticRoom struct {
	Name   string        `mapstructure:"name"`
	ID     string        `mapstructure:"id"`
	Tracks []StaticTrack `mapstructure:"tracks"`
}

// StaticTrack is a published track of a static room
type StaticTrack struct {
	ID   string `mapstructure:"id"`
	Kind string `mapstructure:"kind"`
	Name string `mapstructure:"name"`
}

// Rooms converts the static list for rooms.NewMemoryDirectory
func (r RoomsConfig) Rooms() []rooms.Room {
	out := make([]rooms.Room, 0, len(r.Static))
	for _, s := range r.Static {
		room := rooms.Room{ID: s.ID, Name: s.Name}
		for _, t := range s.Tracks {
			room.Tracks = append(room.Tracks, rooms.Track{ID: t.ID, Kind: rooms.TrackKind(t.Kind), Name: t.Name})
		}
		out = append(out, room)
	}
	return out
}

// AuthConfig maps API key names to keys or bcrypt hashes of keys. No keys
// leaves the API open.
type AuthConfig struct {
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// Load reads path, if given, over the defaults and applies EGRESS_ overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9100)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.ca_file", "")
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.directory", "")
	v.SetDefault("log.component", "egress")

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "egress.db")
	v.SetDefault("store.retention", 24*time.Hour)
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "egress")
	v.SetDefault("redis.enable_tls", false)

	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", events.DefaultKafkaTopic)
	v.SetDefault("events.kafka.client_id", "ffmpeg-egress")
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.channel", "")

	v.SetDefault("rooms.directory", "any")

	v.SetDefault("egress.default_preset", string(models.DefaultPreset))
	v.SetDefault("egress.default_base_url", service.DefaultBaseURL)
	adm := resources.DefaultConfig()
	v.SetDefault("egress.cpu_cost.room_composite", adm.CPUCost.RoomComposite)
	v.SetDefault("egress.cpu_cost.track_composite", adm.CPUCost.TrackComposite)
	v.SetDefault("egress.cpu_cost.track", adm.CPUCost.Track)
	v.SetDefault("egress.max_cpu_utilization", adm.MaxCPUUtilization)
	v.SetDefault("egress.cores", 0)
	v.SetDefault("egress.max_duration", time.Duration(0))
	v.SetDefault("egress.prune_interval", 10*time.Minute)

	rc := retry.DefaultConfig()
	v.SetDefault("delivery.max_retries", rc.MaxRetries)
	v.SetDefault("delivery.initial_backoff", rc.InitialBackoff)
	v.SetDefault("delivery.max_backoff", rc.MaxBackoff)
	v.SetDefault("delivery.multiplier", rc.Multiplier)

	v.SetDefault("output.dir", ".")
	v.SetDefault("output.temp_dir", filepath.Join(os.TempDir(), "egress"))
	v.SetDefault("output.websocket_write_timeout", 10*time.Second)

	fc := ffmpeg.DefaultConfig()
	v.SetDefault("ffmpeg.binary_path", fc.BinaryPath)
	v.SetDefault("ffmpeg.source_url_template", "")
	v.SetDefault("ffmpeg.track_url_template", "")
	v.SetDefault("ffmpeg.temp_dir", fc.TempDir)
	v.SetDefault("ffmpeg.stop_timeout", fc.StopTimeout)
	v.SetDefault("ffmpeg.chunk_size", fc.ChunkSize)
	v.SetDefault("ffmpeg.cgroup.enabled", false)
	v.SetDefault("ffmpeg.cgroup.root", "/sys/fs/cgroup")
	v.SetDefault("ffmpeg.cgroup.parent", "egress")
	v.SetDefault("ffmpeg.cgroup.cpus", 0.0)
	v.SetDefault("ffmpeg.cgroup.memory_max", int64(0))

	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "ffmpeg-egress")
	v.SetDefault("tracing.environment", "production")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.server_address", "http://localhost:4040")
	v.SetDefault("profiling.application_name", "ffmpeg-egress")
}

func (c *Config) normalize() {
	c.Rooms.Directory = strings.ToLower(strings.TrimSpace(c.Rooms.Directory))
	c.Store.Type = strings.ToLower(strings.TrimSpace(c.Store.Type))
	if c.Egress.MaxDuration > 0 {
		c.FFmpeg.MaxDuration = c.Egress.MaxDuration
	}
	if c.Log.Component == "" {
		c.Log.Component = "egress"
	}
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validPort(c.Server.HTTPPort) {
		add("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort != 0 && !validPort(c.Server.GRPCPort) {
		add("server.grpc_port %d out of range", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort != 0 && !validPort(c.Server.MetricsPort) {
		add("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.HTTPPort {
		add("server.grpc_port must differ from server.http_port")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Store.Type {
	case "", "memory", "sqlite", "postgres", "postgresql", "redis":
	default:
		add("store.type %q is not supported", c.Store.Type)
	}
	if (c.Store.Type == "postgres" || c.Store.Type == "postgresql") && c.Store.DSN == "" {
		add("store.dsn is required for postgres")
	}

	switch c.Rooms.Directory {
	case "any", "redis":
	case "memory":
		for i, r := range c.Rooms.Static {
			if r.Name == "" {
				add("rooms.static[%d].name is required", i)
			}
			for _, t := range r.Tracks {
				if t.Kind != string(rooms.TrackAudio) && t.Kind != string(rooms.TrackVideo) {
					add("rooms.static[%d] track %s kind must be audio or video", i, t.ID)
				}
			}
		}
	default:
		add("rooms.directory must be any, memory or redis, got %q", c.Rooms.Directory)
	}

	if p := c.Egress.Service.DefaultPreset; p != "" && !p.IsValid() {
		add("egress.default_preset %q is not a preset", p)
	}
	if u := c.Egress.Admission.MaxCPUUtilization; u <= 0 || u > 1 {
		add("egress.max_cpu_utilization must be in (0, 1], got %v", u)
	}
	if c.Egress.MaxDuration < 0 {
		add("egress.max_duration must not be negative")
	}
	if cg := c.FFmpeg.Cgroup; cg.Enabled {
		if err := (cgroups.Limits{CPUs: cg.CPUs, MemoryMax: cg.MemoryMax}).Validate(); err != nil {
			add("ffmpeg.cgroup: %v", err)
		}
	}

	if c.Delivery.MaxRetries < 0 {
		add("delivery.max_retries must not be negative")
	}
	if c.Delivery.Multiplier < 1 {
		add("delivery.multiplier must be at least 1")
	}

	if c.RateLimit.RPS < 0 {
		add("ratelimit.rps must not be negative")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		add("server.tls.cert_file and server.tls.key_file are required when tls is enabled")
	}
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		add("profiling.server_address is required when profiling is enabled")
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
