package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should parse a TOML config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[database]
url = "sqlite:///var/lib/cratekeeper/app.db"

[server]
addr = ":9090"

[catalog]
dump_base_url = "https://dumps.example.com"
data_dir = "/var/lib/cratekeeper/dumps"
import_cron = "0 4 3 * *"

[remote]
base_url = "https://api.example.com"
user_agent = "cratekeeper-test/0.1"
token = "abc123"
sync_cron = "0 2 * * *"
`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "sqlite:///var/lib/cratekeeper/app.db", cfg.Database.URL)
		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, "https://dumps.example.com", cfg.Catalog.DumpBaseURL)
		assert.Equal(t, "/var/lib/cratekeeper/dumps", cfg.Catalog.DataDir)
		assert.Equal(t, "0 4 3 * *", cfg.Catalog.ImportCron)
		assert.Equal(t, "https://api.example.com", cfg.Remote.BaseURL)
		assert.Equal(t, "abc123", cfg.Remote.Token)
		assert.Equal(t, "0 2 * * *", cfg.Remote.SyncCron)
	})

	t.Run("Should apply defaults without a config file", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("LISTEN_ADDR", "")
		t.Setenv("DATA_DIR", "")
		t.Setenv("CATALOG_DUMP_BASE_URL", "")
		t.Setenv("REMOTE_BASE_URL", "")
		t.Setenv("REMOTE_API_TOKEN", "")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, ":8680", cfg.Server.Addr)
		assert.Equal(t, "./data", cfg.Catalog.DataDir)
		assert.Equal(t, "0 3 2 * *", cfg.Catalog.ImportCron)
		assert.Equal(t, "cratekeeper/1.0", cfg.Remote.UserAgent)
	})

	t.Run("Should fall back to environment variables", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://app@localhost/cratekeeper")
		t.Setenv("LISTEN_ADDR", ":7070")
		t.Setenv("DATA_DIR", "/srv/dumps")
		t.Setenv("CATALOG_DUMP_BASE_URL", "https://dumps.env.example.com")
		t.Setenv("REMOTE_BASE_URL", "https://api.env.example.com")
		t.Setenv("REMOTE_API_TOKEN", "env-token")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "postgres://app@localhost/cratekeeper", cfg.Database.URL)
		assert.Equal(t, ":7070", cfg.Server.Addr)
		assert.Equal(t, "/srv/dumps", cfg.Catalog.DataDir)
		assert.Equal(t, "https://dumps.env.example.com", cfg.Catalog.DumpBaseURL)
		assert.Equal(t, "https://api.env.example.com", cfg.Remote.BaseURL)
		assert.Equal(t, "env-token", cfg.Remote.Token)
	})

	t.Run("Should prefer file values over environment", func(t *testing.T) {
		t.Setenv("LISTEN_ADDR", ":7070")

		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"
`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Server.Addr)
	})

	t.Run("Should fail on a missing file path", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("Should fail on malformed TOML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("[[[broken"), 0644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}
