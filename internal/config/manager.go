package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/PhoneCam/internal/logger"
)

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/phonecam/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "phonecam", "config.yaml"), nil
}

// NewManager loads configFile (or the default path), creating it with
// defaults when missing. Flags bound on v take precedence over the file;
// v may be nil.
func NewManager(configFile string, v *viper.Viper) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Defaults())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("phonecam")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{configPath: path, v: v}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := m.reload(); err != nil {
		return nil, err
	}

	cfg := m.Get()
	logger.WithComponent("config").Info().
		Str("path", path).
		Str("endpoint", fmt.Sprintf("%s:%d", cfg.Endpoint.Host, cfg.Endpoint.Port)).
		Str("sink", cfg.Sink.Backend).
		Msg("Config loaded")
	return m, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("endpoint.host", d.Endpoint.Host)
	v.SetDefault("endpoint.port", d.Endpoint.Port)
	v.SetDefault("stream.target_fps", d.Stream.TargetFPS)
	v.SetDefault("stream.connect_timeout", d.Stream.ConnectTimeout)
	v.SetDefault("stream.read_timeout", d.Stream.ReadTimeout)
	v.SetDefault("stream.chunk_timeout", d.Stream.ChunkTimeout)
	v.SetDefault("stream.max_frame_bytes", d.Stream.MaxFrameBytes)
	v.SetDefault("stream.max_frame_pixels", d.Stream.MaxFramePixels)
	v.SetDefault("stream.shutdown_grace", d.Stream.ShutdownGrace)
	v.SetDefault("sink.backend", d.Sink.Backend)
	v.SetDefault("sink.device", d.Sink.Device)
	v.SetDefault("sink.pixel_format", d.Sink.PixelFormat)
	v.SetDefault("preview.http_enabled", d.Preview.HTTPEnabled)
	v.SetDefault("preview.x11_enabled", d.Preview.X11Enabled)
	v.SetDefault("preview.width", d.Preview.Width)
	v.SetDefault("preview.height", d.Preview.Height)
	v.SetDefault("preview.quality", d.Preview.Quality)
	v.SetDefault("preview.overlay", d.Preview.Overlay)
	v.SetDefault("reconnect.enabled", d.Reconnect.Enabled)
	v.SetDefault("reconnect.max_retries", d.Reconnect.MaxRetries)
	v.SetDefault("reconnect.retry_delay", d.Reconnect.RetryDelay)
	v.SetDefault("reconnect.max_retry_delay", d.Reconnect.MaxRetryDelay)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
}

// reload rebuilds the typed config from viper
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// GetViper returns the underlying viper instance
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// GetConfigPath returns the config file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Set updates a dotted key (e.g. "stream.target_fps") and saves
func (m *Manager) Set(key string, value any) error {
	if !m.v.IsSet(key) {
		return fmt.Errorf("unknown config key %q", key)
	}

	prev := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.reload(); err != nil {
		m.v.Set(key, prev)
		return err
	}
	return m.Save()
}

// SetPort sets the HTTP API port
func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", port)
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.Set("log_level", level)
}

// Watch calls fn with the new configuration whenever the file changes
func (m *Manager) Watch(fn func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		log := logger.WithComponent("config")
		if err := m.reload(); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config reloaded")
		fn(m.Get())
	})
	m.v.WatchConfig()
}
