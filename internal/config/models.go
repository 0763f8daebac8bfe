package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/capturetool/internal/logger"
	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// Config represents the application configuration
type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`

	// Devices maps stream names to V4L2 device nodes
	Devices map[string]string `json:"devices" yaml:"devices" mapstructure:"devices"`
	// Buffers is the number of driver buffers per stream
	Buffers int `json:"buffers" yaml:"buffers" mapstructure:"buffers"`
	// PollIntervalMS is how often the capture loop re-checks its stop conditions
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	// DefaultCompression applies to recorded streams without --compression
	DefaultCompression int `json:"default_compression" yaml:"default_compression" mapstructure:"default_compression"`

	Display DisplayConfig `json:"display" yaml:"display" mapstructure:"display"`
}

// DisplayConfig represents preview configuration
type DisplayConfig struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Port    int    `json:"port" yaml:"port" mapstructure:"port"`
	Width   int    `json:"width" yaml:"width" mapstructure:"width"`
	Height  int    `json:"height" yaml:"height" mapstructure:"height"`
	FPS     int    `json:"fps" yaml:"fps" mapstructure:"fps"`
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/capturetool/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "capturetool", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile means
// the default path. A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          viper.New(),
	}
	m.v.SetConfigType("yaml")

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := m.syncViper(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Int("devices", len(m.config.Devices)).
		Msg("Config loaded")
	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Devices: map[string]string{
			stream.Depth.String(): "/dev/video0",
			stream.Color.String(): "/dev/video2",
		},
		Buffers:            4,
		PollIntervalMS:     15,
		DefaultCompression: 0,
		Display: DisplayConfig{
			Backend: "web",
			Port:    8090,
			Width:   640,
			Height:  480,
			FPS:     15,
		},
	}
}

// load reads the configuration from disk, filling unset fields with defaults
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	// Unmarshal over the defaults so older files pick up new fields
	cfg := Defaults()
	cfg.Devices = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Devices == nil {
		cfg.Devices = map[string]string{}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// syncViper reloads the viper view from the current config
func (m *Manager) syncViper() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := m.v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to load config into viper: %w", err)
	}
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
	cfg.Devices = make(map[string]string, len(m.config.Devices))
	for k, v := range m.config.Devices {
		cfg.Devices[k] = v
	}
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()
	log := logger.WithComponent("config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().Err(err).Str("config_dir", configDir).Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// Update replaces the entire configuration and saves it
func (m *Manager) Update(cfg *Config) error {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	if err := m.syncViper(); err != nil {
		return err
	}
	return m.Save()
}

// GetViper returns a viper view of the configuration for key lookups
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Set parses value for key, applies it and saves the file. Keys use the
// YAML names with dots for nesting, e.g. display.port or devices.depth.
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(key)

	switch key {
	case "log_level":
		if _, ok := validLevels[value]; !ok {
			return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
		}
		m.v.Set(key, value)
	case "buffers", "poll_interval_ms", "default_compression",
		"display.port", "display.width", "display.height", "display.fps":
		var num int
		if _, err := fmt.Sscanf(value, "%d", &num); err != nil {
			return fmt.Errorf("invalid number: %s", value)
		}
		if num < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
		m.v.Set(key, num)
	case "display.backend":
		if value != "web" && value != "x11" {
			return fmt.Errorf("invalid display backend: %s (use: web, x11)", value)
		}
		m.v.Set(key, value)
	default:
		name, ok := strings.CutPrefix(key, "devices.")
		if !ok {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		if _, err := stream.ParseID(name); err != nil {
			return err
		}
		m.v.Set(key, value)
	}

	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to apply %s: %w", key, err)
	}
	if cfg.Devices == nil {
		cfg.Devices = map[string]string{}
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return m.Save()
}

var validLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// StreamNodes returns the configured V4L2 node of every known stream
func (m *Manager) StreamNodes() map[stream.ID]string {
	cfg := m.Get()
	nodes := make(map[stream.ID]string, len(cfg.Devices))
	for name, node := range cfg.Devices {
		id, err := stream.ParseID(name)
		if err != nil {
			logger.WithComponent("config").Warn().Str("stream", name).Msg("Ignoring device for unknown stream")
			continue
		}
		if node != "" {
			nodes[id] = node
		}
	}
	return nodes
}

// PollInterval returns the stop condition poll interval
func (m *Manager) PollInterval() time.Duration {
	cfg := m.Get()
	if cfg.PollIntervalMS <= 0 {
		return 15 * time.Millisecond
	}
	return time.Duration(cfg.PollIntervalMS) * time.Millisecond
}
