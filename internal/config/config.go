// Package config loads outpost configuration from outpost.yaml, the
// OUTPOST_* environment, and built-in defaults, in that precedence
// order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quiltworks/outpost/internal/engine"
	"github.com/quiltworks/outpost/internal/transport"
	"github.com/quiltworks/outpost/internal/transport/resthttp"
)

// Config is the full outpost configuration.
type Config struct {
	// StorePath locates the sqlite database file.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`

	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard" yaml:"dashboard"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// ServerConfig describes the REST backend the queue replays against.
type ServerConfig struct {
	// BaseURL of the backend API. Empty disables the REST bindings;
	// embedders then register their own.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Entities to build REST bindings for.
	Entities []string `mapstructure:"entities" yaml:"entities"`

	// Timeout per request.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SyncConfig tunes the replay coordinator.
type SyncConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval" yaml:"fallback_interval"`
}

// ConnectivityConfig tunes the connectivity monitor.
type ConnectivityConfig struct {
	// ProbeURL is HEAD-requested on each probe. Empty disables probing.
	ProbeURL      string        `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`

	// MarkerPath forces offline while the file exists.
	MarkerPath string `mapstructure:"marker_path" yaml:"marker_path"`
}

// CacheConfig tunes the snapshot cache.
type CacheConfig struct {
	// MaxEntries bounds the cache; 0 means unbounded.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries"`
}

// DashboardConfig tunes the websocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LogConfig tunes daemon file logging.
type LogConfig struct {
	// File receives daemon logs; empty logs to stderr only.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath: ".outpost/outpost.db",
		Server: ServerConfig{
			Entities: []string{"tasks", "projects", "comments"},
			Timeout:  30 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:       engine.DefaultMaxRetries,
			FallbackInterval: engine.DefaultFallbackInterval,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration from the given file (or the search path when
// file is empty), layered over defaults and the OUTPOST_* environment.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("outpost")
	v.SetConfigType("yaml")

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.outpost")
	}

	v.SetEnvPrefix("OUTPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		// A missing file on the search path falls back to defaults;
		// an explicitly named file must exist.
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store_path", d.StorePath)
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.entities", d.Server.Entities)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.fallback_interval", d.Sync.FallbackInterval)
	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.marker_path", d.Connectivity.MarkerPath)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative (got %d)", c.Sync.MaxRetries)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative (got %d)", c.Cache.MaxEntries)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	if c.Server.BaseURL != "" && len(c.Server.Entities) == 0 {
		return fmt.Errorf("server.base_url is set but server.entities is empty")
	}
	return nil
}

// Registry builds the REST binding registry from the server section.
// Returns an empty registry when no base URL is configured.
func (c *Config) Registry() (*transport.Registry, error) {
	reg := transport.NewRegistry()
	if c.Server.BaseURL == "" {
		return reg, nil
	}
	if err := resthttp.RegisterEntities(reg, c.Server.BaseURL, c.Server.Entities, c.Server.Timeout); err != nil {
		return nil, fmt.Errorf("failed to build transport registry: %w", err)
	}
	return reg, nil
}

// renderedConfig mirrors Config with durations as human-readable
// strings, so the generated file round-trips through viper's duration
// parsing.
type renderedConfig struct {
	StorePath string `yaml:"store_path"`
	Server    struct {
		BaseURL  string   `yaml:"base_url"`
		Entities []string `yaml:"entities"`
		Timeout  string   `yaml:"timeout"`
	} `yaml:"server"`
	Sync struct {
		MaxRetries       int    `yaml:"max_retries"`
		FallbackInterval string `yaml:"fallback_interval"`
	} `yaml:"sync"`
	Connectivity struct {
		ProbeURL      string `yaml:"probe_url"`
		ProbeInterval string `yaml:"probe_interval"`
		MarkerPath    string `yaml:"marker_path"`
	} `yaml:"connectivity"`
	Cache struct {
		MaxEntries int `yaml:"max_entries"`
	} `yaml:"cache"`
	Dashboard struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"dashboard"`
	Log struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

// RenderYAML serializes c for `outpost init`.
func (c *Config) RenderYAML() ([]byte, error) {
	var r renderedConfig
	r.StorePath = c.StorePath
	r.Server.BaseURL = c.Server.BaseURL
	r.Server.Entities = c.Server.Entities
	r.Server.Timeout = c.Server.Timeout.String()
	r.Sync.MaxRetries = c.Sync.MaxRetries
	r.Sync.FallbackInterval = c.Sync.FallbackInterval.String()
	r.Connectivity.ProbeURL = c.Connectivity.ProbeURL
	r.Connectivity.ProbeInterval = c.Connectivity.ProbeInterval.String()
	r.Connectivity.MarkerPath = c.Connectivity.MarkerPath
	r.Cache.MaxEntries = c.Cache.MaxEntries
	r.Dashboard.Enabled = c.Dashboard.Enabled
	r.Dashboard.Port = c.Dashboard.Port
	r.Log.File = c.Log.File
	r.Log.MaxSizeMB = c.Log.MaxSizeMB
	r.Log.MaxBackups = c.Log.MaxBackups

	out, err := yaml.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

// EngineConfig converts to the engine's configuration.
func (c *Config) EngineConfig() (engine.Config, error) {
	reg, err := c.Registry()
	if err != nil {
		return engine.Config{}, err
	}

	cfg := engine.DefaultConfig()
	cfg.StorePath = c.StorePath
	cfg.Transports = reg
	cfg.MaxRetries = c.Sync.MaxRetries
	cfg.FallbackInterval = c.Sync.FallbackInterval
	cfg.ProbeURL = c.Connectivity.ProbeURL
	cfg.ProbeInterval = c.Connectivity.ProbeInterval
	cfg.MarkerPath = c.Connectivity.MarkerPath
	cfg.MaxCacheEntries = c.Cache.MaxEntries
	return cfg, nil
}
