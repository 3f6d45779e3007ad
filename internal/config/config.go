package config

import (
	"fmt"
	"time"
)

// Sink backends
const (
	BackendGStreamer  = "gstreamer"
	BackendSubprocess = "subprocess"
	BackendNull       = "null"
)

// Config represents the application configuration
type Config struct {
	Endpoint   EndpointConfig  `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Stream     StreamConfig    `json:"stream" yaml:"stream" mapstructure:"stream"`
	Sink       SinkConfig      `json:"sink" yaml:"sink" mapstructure:"sink"`
	Preview    PreviewConfig   `json:"preview" yaml:"preview" mapstructure:"preview"`
	Reconnect  ReconnectConfig `json:"reconnect" yaml:"reconnect" mapstructure:"reconnect"`
	ServerPort int             `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
}

// EndpointConfig is the phone address. With USB forwarding
// (`adb forward tcp:8888 tcp:8888`) the host is 127.0.0.1.
type EndpointConfig struct {
	Host string `json:"host" yaml:"host" mapstructure:"host"`
	Port int    `json:"port" yaml:"port" mapstructure:"port"`
}

// StreamConfig tunes the receive loop
type StreamConfig struct {
	TargetFPS      int           `json:"target_fps" yaml:"target_fps" mapstructure:"target_fps"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	ChunkTimeout   time.Duration `json:"chunk_timeout" yaml:"chunk_timeout" mapstructure:"chunk_timeout"`
	MaxFrameBytes  uint32        `json:"max_frame_bytes" yaml:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	MaxFramePixels int           `json:"max_frame_pixels" yaml:"max_frame_pixels" mapstructure:"max_frame_pixels"`
	ShutdownGrace  time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// SinkConfig selects the virtual camera backend
type SinkConfig struct {
	Backend     string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Device      string `json:"device" yaml:"device" mapstructure:"device"`
	PixelFormat string `json:"pixel_format" yaml:"pixel_format" mapstructure:"pixel_format"`
}

// PreviewConfig controls the preview surfaces
type PreviewConfig struct {
	HTTPEnabled bool `json:"http_enabled" yaml:"http_enabled" mapstructure:"http_enabled"`
	X11Enabled  bool `json:"x11_enabled" yaml:"x11_enabled" mapstructure:"x11_enabled"`
	Width       int  `json:"width" yaml:"width" mapstructure:"width"`
	Height      int  `json:"height" yaml:"height" mapstructure:"height"`
	Quality     int  `json:"quality" yaml:"quality" mapstructure:"quality"`
	Overlay     bool `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
}

// ReconnectConfig enables automatic reconnect after unrequested disconnects
type ReconnectConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `json:"max_retry_delay" yaml:"max_retry_delay" mapstructure:"max_retry_delay"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Host: "127.0.0.1",
			Port: 8888,
		},
		Stream: StreamConfig{
			TargetFPS:      30,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    10 * time.Second,
			ChunkTimeout:   250 * time.Millisecond,
			MaxFrameBytes:  16 << 20,
			MaxFramePixels: 8192 * 8192,
			ShutdownGrace:  time.Second,
		},
		Sink: SinkConfig{
			Backend:     BackendGStreamer,
			Device:      "/dev/video10",
			PixelFormat: "rgb24",
		},
		Preview: PreviewConfig{
			HTTPEnabled: true,
			X11Enabled:  false,
			Width:       0,
			Height:      0,
			Quality:     80,
			Overlay:     true,
		},
		Reconnect: ReconnectConfig{
			Enabled:       false,
			MaxRetries:    5,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
		ServerPort: 8080,
		LogLevel:   "info",
	}
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Endpoint.Host == "" {
		return fmt.Errorf("endpoint.host is required")
	}
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("endpoint.port %d out of range", c.Endpoint.Port)
	}
	if c.Stream.TargetFPS <= 0 || c.Stream.TargetFPS > 240 {
		return fmt.Errorf("stream.target_fps %d out of range", c.Stream.TargetFPS)
	}
	if c.Stream.ChunkTimeout <= 0 || c.Stream.ReadTimeout < c.Stream.ChunkTimeout {
		return fmt.Errorf("stream.chunk_timeout must be positive and not exceed stream.read_timeout")
	}
	if c.Stream.MaxFramePixels <= 0 {
		return fmt.Errorf("stream.max_frame_pixels must be positive")
	}
	switch c.Sink.Backend {
	case BackendGStreamer, BackendSubprocess, BackendNull:
	default:
		return fmt.Errorf("unknown sink.backend %q", c.Sink.Backend)
	}
	switch c.Sink.PixelFormat {
	case "rgb24", "bgr24", "rgba":
	default:
		return fmt.Errorf("unsupported sink.pixel_format %q", c.Sink.PixelFormat)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	return nil
}
