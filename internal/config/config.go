package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"lancollab/pkg/protocol"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "LANCOLLAB_"

// Duration is a time.Duration that reads and writes as "30s" style
// strings in both the JSON file and the environment.
type Duration struct {
	time.Duration
}

func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Server  *ServerConfig  `json:"server" envPrefix:"SERVER_"`
	Session *SessionConfig `json:"session" envPrefix:"SESSION_"`
	Media   *MediaConfig   `json:"media" envPrefix:"MEDIA_"`
	HTTP    *HTTPConfig    `json:"http" envPrefix:"HTTP_"`
	Archive *ArchiveConfig `json:"archive" envPrefix:"ARCHIVE_"`
	Log     *LogConfig     `json:"log" envPrefix:"LOG_"`
}

// ServerConfig covers the TCP control and UDP media listeners.
type ServerConfig struct {
	Host    string `json:"host" env:"HOST"`
	TCPPort int    `json:"tcp_port" env:"TCP_PORT"`
	UDPPort int    `json:"udp_port" env:"UDP_PORT"`

	HeartbeatInterval Duration `json:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	JoinTimeout       Duration `json:"join_timeout" env:"JOIN_TIMEOUT"`
	SendTimeout       Duration `json:"send_timeout" env:"SEND_TIMEOUT"`
	SendQueueSize     int      `json:"send_queue_size" env:"SEND_QUEUE_SIZE"`
	MaxFrameSize      int      `json:"max_frame_size" env:"MAX_FRAME_SIZE"`
	ShutdownGrace     Duration `json:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	WorkerJoinTimeout Duration `json:"worker_join_timeout" env:"WORKER_JOIN_TIMEOUT"`
	MonitorInterval   Duration `json:"monitor_interval" env:"MONITOR_INTERVAL"`

	ChatRate  float64 `json:"chat_rate" env:"CHAT_RATE"`
	ChatBurst int     `json:"chat_burst" env:"CHAT_BURST"`
}

type SessionConfig struct {
	UploadDir         string   `json:"upload_dir" env:"UPLOAD_DIR"`
	MaxFileSize       int64    `json:"max_file_size" env:"MAX_FILE_SIZE"`
	ChunkSize         int      `json:"chunk_size" env:"CHUNK_SIZE"`
	MaxChunkSize      int      `json:"max_chunk_size" env:"MAX_CHUNK_SIZE"`
	MaxUploads        int      `json:"max_uploads_per_client" env:"MAX_UPLOADS_PER_CLIENT"`
	BlockedExtensions []string `json:"blocked_extensions" env:"BLOCKED_EXTENSIONS" envSeparator:","`
	MaxChatHistory    int      `json:"max_chat_history" env:"MAX_CHAT_HISTORY"`
}

type MediaConfig struct {
	AudioInterval      Duration `json:"audio_interval" env:"AUDIO_INTERVAL"`
	AudioBufferSize    int      `json:"audio_buffer_size" env:"AUDIO_BUFFER_SIZE"`
	VideoSweepInterval Duration `json:"video_sweep_interval" env:"VIDEO_SWEEP_INTERVAL"`
	VideoStreamTimeout Duration `json:"video_stream_timeout" env:"VIDEO_STREAM_TIMEOUT"`
}

// HTTPConfig covers the monitoring API and the observer event stream.
type HTTPConfig struct {
	Enabled      bool     `json:"enabled" env:"ENABLED"`
	Host         string   `json:"host" env:"HOST"`
	Port         int      `json:"port" env:"PORT"`
	ReadTimeout  Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxObservers int      `json:"max_observers" env:"MAX_OBSERVERS"`
}

type ArchiveConfig struct {
	Enabled        bool     `json:"enabled" env:"ENABLED"`
	Path           string   `json:"path" env:"PATH"`
	MaxConnections int      `json:"max_connections" env:"MAX_CONNECTIONS"`
	WriteQueueSize int      `json:"write_queue_size" env:"WRITE_QUEUE_SIZE"`
	WriteTimeout   Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Host:              "0.0.0.0",
			TCPPort:           9000,
			UDPPort:           9001,
			HeartbeatInterval: D(10 * time.Second),
			HeartbeatTimeout:  D(30 * time.Second),
			JoinTimeout:       D(10 * time.Second),
			SendTimeout:       D(2 * time.Second),
			SendQueueSize:     256,
			MaxFrameSize:      32 << 20,
			ShutdownGrace:     D(time.Second),
			WorkerJoinTimeout: D(5 * time.Second),
			MonitorInterval:   D(5 * time.Second),
			ChatRate:          10,
			ChatBurst:         20,
		},
		Session: &SessionConfig{
			UploadDir:         "./shared_files",
			MaxFileSize:       100 << 20,
			ChunkSize:         64 << 10,
			MaxChunkSize:      1 << 20,
			MaxUploads:        4,
			BlockedExtensions: []string{".exe", ".bat", ".cmd", ".com", ".scr", ".msi", ".vbs", ".ps1"},
			MaxChatHistory:    1000,
		},
		Media: &MediaConfig{
			AudioInterval:      D(20 * time.Millisecond),
			AudioBufferSize:    10,
			VideoSweepInterval: D(30 * time.Second),
			VideoStreamTimeout: D(60 * time.Second),
		},
		HTTP: &HTTPConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  D(30 * time.Second),
			WriteTimeout: D(30 * time.Second),
			MaxObservers: 32,
		},
		Archive: &ArchiveConfig{
			Enabled:        true,
			Path:           "./lancollab.db",
			MaxConnections: 10,
			WriteQueueSize: 100,
			WriteTimeout:   D(30 * time.Second),
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Port 0 asks the OS for a free port.
func validPort(p int) bool { return p >= 0 && p <= 65535 }

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server == nil || c.Session == nil || c.Media == nil ||
		c.HTTP == nil || c.Archive == nil || c.Log == nil {
		return errors.New("every configuration section is required")
	}

	s := c.Server
	if !validPort(s.TCPPort) {
		return fmt.Errorf("TCP port must be between 0 and 65535, got %d", s.TCPPort)
	}
	if !validPort(s.UDPPort) {
		return fmt.Errorf("UDP port must be between 0 and 65535, got %d", s.UDPPort)
	}
	if s.TCPPort != 0 && s.TCPPort == s.UDPPort {
		return fmt.Errorf("TCP and UDP ports must differ, both are %d", s.TCPPort)
	}
	if s.HeartbeatInterval.Duration <= 0 || s.HeartbeatTimeout.Duration <= 0 {
		return errors.New("heartbeat interval and timeout must be positive")
	}
	if s.HeartbeatTimeout.Duration <= s.HeartbeatInterval.Duration {
		return errors.New("heartbeat timeout must be longer than the heartbeat interval")
	}
	if s.JoinTimeout.Duration <= 0 || s.SendTimeout.Duration <= 0 {
		return errors.New("join and send timeouts must be positive")
	}
	if s.SendQueueSize <= 0 {
		return errors.New("send queue size must be positive")
	}
	if s.MaxFrameSize <= 0 {
		return errors.New("max frame size must be positive")
	}
	if s.ShutdownGrace.Duration < 0 {
		return errors.New("shutdown grace cannot be negative")
	}
	if s.ChatRate <= 0 || s.ChatBurst <= 0 {
		return errors.New("chat rate and burst must be positive")
	}

	if c.Session.UploadDir == "" {
		return errors.New("upload directory cannot be empty")
	}
	if c.Session.MaxFileSize <= 0 {
		return errors.New("max file size must be positive")
	}
	if c.Session.ChunkSize <= 0 || c.Session.MaxChunkSize < c.Session.ChunkSize {
		return errors.New("chunk size must be positive and not above the max chunk size")
	}
	if limit := protocol.MaxChunkPayload(s.MaxFrameSize); c.Session.MaxChunkSize > limit {
		return fmt.Errorf("max chunk size %d does not fit a %d byte frame (limit %d)", c.Session.MaxChunkSize, s.MaxFrameSize, limit)
	}
	if c.Session.MaxUploads <= 0 {
		return errors.New("max uploads per client must be positive")
	}
	if c.Session.MaxChatHistory <= 0 {
		return errors.New("chat history size must be positive")
	}

	if c.Media.AudioInterval.Duration <= 0 || c.Media.AudioBufferSize <= 0 {
		return errors.New("audio interval and buffer size must be positive")
	}
	if c.Media.VideoSweepInterval.Duration <= 0 || c.Media.VideoStreamTimeout.Duration <= 0 {
		return errors.New("video sweep interval and stream timeout must be positive")
	}

	if c.HTTP.Enabled {
		if !validPort(c.HTTP.Port) {
			return fmt.Errorf("HTTP port must be between 0 and 65535, got %d", c.HTTP.Port)
		}
		if c.HTTP.ReadTimeout.Duration <= 0 || c.HTTP.WriteTimeout.Duration <= 0 {
			return errors.New("HTTP timeouts must be positive")
		}
		if c.HTTP.MaxObservers <= 0 {
			return errors.New("max observers must be positive")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Path == "" {
			return errors.New("archive path cannot be empty")
		}
		if c.Archive.MaxConnections <= 0 || c.Archive.WriteQueueSize <= 0 {
			return errors.New("archive connections and write queue must be positive")
		}
		if c.Archive.WriteTimeout.Duration <= 0 {
			return errors.New("archive write timeout must be positive")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ApplyEnv overrides c with any LANCOLLAB_* variables that are set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyFile overlays the JSON file at path onto c. Keys missing from
// the file keep their current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv returns the defaults overridden by the environment.
func LoadFromEnv() (*Config, error) {
	c := DefaultConfig()
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile returns the defaults overlaid with the file at path.
func LoadFromFile(path string) (*Config, error) {
	c := DefaultConfig()
	if err := c.ApplyFile(path); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return c, nil
}

// Load applies defaults, then the file (if path is set), then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		if err := c.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// Write stores c at path as indented JSON.
func (c *Config) Write(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
