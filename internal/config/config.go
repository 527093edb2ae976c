package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
	Catalog  CatalogConfig  `toml:"catalog"`
	Remote   RemoteConfig   `toml:"remote"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	URL string `toml:"url"` // sqlite:// or postgres:// URL
}

// ServerConfig contains the operator HTTP surface settings.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// CatalogConfig contains monthly dump import settings.
type CatalogConfig struct {
	DumpBaseURL string `toml:"dump_base_url"`
	DataDir     string `toml:"data_dir"`
	ImportCron  string `toml:"import_cron"` // 5 or 6 field cron expression
}

// RemoteConfig contains remote collection API settings.
type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	UserAgent string `toml:"user_agent"`
	Token     string `toml:"token"`
	SyncCron  string `toml:"sync_cron"`
}

// Load reads and parses a TOML configuration file, then applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("DATABASE_URL")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = getEnv("LISTEN_ADDR", ":8680")
	}
	if c.Catalog.DumpBaseURL == "" {
		c.Catalog.DumpBaseURL = os.Getenv("CATALOG_DUMP_BASE_URL")
	}
	if c.Catalog.DataDir == "" {
		c.Catalog.DataDir = getEnv("DATA_DIR", "./data")
	}
	if c.Catalog.ImportCron == "" {
		// Dumps publish at the start of each month; import on the 2nd
		c.Catalog.ImportCron = "0 3 2 * *"
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = os.Getenv("REMOTE_BASE_URL")
	}
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = "cratekeeper/1.0"
	}
	if c.Remote.Token == "" {
		c.Remote.Token = os.Getenv("REMOTE_API_TOKEN")
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
