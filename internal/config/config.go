package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shapedtime/cinegate/internal/media"
)

// Torrent engine kinds
const (
	EngineQBittorrent = "qbittorrent"
	EngineEmbedded    = "embedded"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Streaming    StreamingConfig     `yaml:"streaming"`
	Database     DatabaseConfig      `yaml:"database"`
	Torrent      TorrentConfig       `yaml:"torrent"`
	QBittorrent  IntegrationConfig   `yaml:"qbittorrent"`
	Sonarr       IntegrationConfig   `yaml:"sonarr"`
	Radarr       IntegrationConfig   `yaml:"radarr"`
	PathMappings []media.PathMapping `yaml:"path_mappings"`
	Settings     SettingsConfig      `yaml:"settings"`
	Logging      LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	HTTPPort    int `yaml:"http_port"`
	MetricsPort int `yaml:"metrics_port"` // 0 disables the metrics server
}

type StreamingConfig struct {
	ChunkSize        int     `yaml:"chunk_size"`       // bytes
	UpstreamTimeout  int     `yaml:"upstream_timeout"` // seconds
	MinReadyFraction float64 `yaml:"min_ready_fraction"`
	PrepareRate      float64 `yaml:"prepare_rate"` // calls per second, 0 = unlimited
	PrepareBurst     int     `yaml:"prepare_burst"`
	Sniff            bool    `yaml:"sniff"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

type TorrentConfig struct {
	Engine   string         `yaml:"engine"` // qbittorrent or embedded
	Embedded EmbeddedConfig `yaml:"embedded"`
}

// EmbeddedConfig configures the in-process BitTorrent engine.
type EmbeddedConfig struct {
	DataFolder     string `yaml:"data_folder"`
	MetadataFolder string `yaml:"metadata_folder"`
	ListenPort     int    `yaml:"listen_port"`
	AddTimeout     int    `yaml:"add_timeout"` // seconds
	Seed           bool   `yaml:"seed"`
	DisableIPv6    bool   `yaml:"disable_ipv6"`
	DHTItemsTTL    int    `yaml:"dht_items_ttl"` // hours

	// Piece prioritization windows in MB
	HeaderPriorityMB int64 `yaml:"header_priority_mb"`
	FooterPriorityMB int64 `yaml:"footer_priority_mb"`
	UrgentBufferMB   int64 `yaml:"urgent_buffer_mb"`
	ReadaheadMB      int64 `yaml:"readahead_mb"`
}

// IntegrationConfig seeds the settings store for one collaborator. Rows
// already present in the store win.
type IntegrationConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"api_key"`
}

type SettingsConfig struct {
	CacheTTL int `yaml:"cache_ttl"` // seconds
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:    4545,
			MetricsPort: 9545,
		},
		Streaming: StreamingConfig{
			ChunkSize:        256 * 1024,
			UpstreamTimeout:  10,
			MinReadyFraction: 0.01,
			PrepareRate:      2,
			PrepareBurst:     4,
			Sniff:            true,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "./data/cinegate.db",
		},
		Torrent: TorrentConfig{
			Engine: EngineQBittorrent,
			Embedded: EmbeddedConfig{
				DataFolder:       "./data/downloads",
				MetadataFolder:   "./data/torrents",
				ListenPort:       42069,
				AddTimeout:       60,
				Seed:             true,
				DisableIPv6:      true,
				DHTItemsTTL:      2,
				HeaderPriorityMB: 10,
				FooterPriorityMB: 5,
				UrgentBufferMB:   32,
				ReadaheadMB:      8,
			},
		},
		Settings: SettingsConfig{
			CacheTTL: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort))
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, errors.New("server.metrics_port must differ from server.http_port"))
	}

	switch c.Torrent.Engine {
	case EngineQBittorrent, EngineEmbedded:
	default:
		errs = append(errs, fmt.Errorf("torrent.engine %q must be %q or %q", c.Torrent.Engine, EngineQBittorrent, EngineEmbedded))
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be %q or %q", c.Database.Driver, DriverSQLite, DriverPostgres))
	}

	if f := c.Streaming.MinReadyFraction; f < 0 || f > 1 {
		errs = append(errs, fmt.Errorf("streaming.min_ready_fraction %v must be within [0, 1]", f))
	}
	if c.Streaming.PrepareRate < 0 {
		errs = append(errs, errors.New("streaming.prepare_rate must not be negative"))
	}

	for i, m := range c.PathMappings {
		if m.From == "" || m.To == "" {
			errs = append(errs, fmt.Errorf("path_mappings[%d] needs both from and to", i))
		}
	}

	return errors.Join(errs...)
}

// UpstreamTimeout returns the collaborator call timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Streaming.UpstreamTimeout) * time.Second
}

// CacheTTL returns how long integration settings are cached.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Settings.CacheTTL) * time.Second
}

// AddTimeoutDuration returns how long the embedded engine waits for metadata.
func (e EmbeddedConfig) AddTimeoutDuration() time.Duration {
	return time.Duration(e.AddTimeout) * time.Second
}

// SlogLevel maps logging.level onto a slog level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// EnsureDirectories creates required directories
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Database.Driver == DriverSQLite {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	if c.Torrent.Engine == EngineEmbedded {
		dirs = append(dirs, c.Torrent.Embedded.DataFolder, c.Torrent.Embedded.MetadataFolder)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}
