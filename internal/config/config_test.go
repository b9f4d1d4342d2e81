package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
db:
  driver: postgres
  dsn: postgres://crawler@localhost/whakoom
  max_open_conns: 8
paths:
  migrations_dir: sql/migrations
  queries_dir: sql/queries
  feed_file: feed.yaml
retry:
  max_attempts: 5
  base_delay: 250ms
crawl:
  mode: all
  scrapper_name: titles
  base_url: https://example.test/
  user_profile: someone
  stale_after: 10m
  dedupe_cache_size: 100
  requests_per_second: 2
  burst: 3
logging:
  development: false
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, DriverPostgres, cfg.DB.Driver)
	require.Equal(t, 8, cfg.DB.MaxOpenConns)
	require.Equal(t, "sql/migrations", cfg.Paths.MigrationsDir)
	require.Equal(t, "feed.yaml", cfg.Paths.FeedFile)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, ModeAll, cfg.Crawl.Mode)
	require.Equal(t, "titles", cfg.Crawl.ScrapperName)
	require.Equal(t, 10*time.Minute, cfg.Crawl.StaleAfter)
	require.InDelta(t, 2.0, cfg.Crawl.RequestsPerSecond, 0.0001)
	require.Equal(t, 3, cfg.Crawl.Burst)
	require.Equal(t, "secret", cfg.Server.APIKey)
	require.Equal(t, "https://example.test/someone/lists", cfg.Crawl.ProfileURL())
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, DriverSQLite, cfg.DB.Driver)
	require.Equal(t, 1, cfg.DB.MaxOpenConns)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, ModePending, cfg.Crawl.Mode)
	require.Equal(t, "db/migrations/sqlite", cfg.Paths.MigrationsDir)
	require.Empty(t, cfg.Server.APIKey)
	require.Empty(t, cfg.Crawl.ProfileURL())
	require.Equal(t, "db/queries", cfg.Paths.QueriesDir)
	require.InDelta(t, 0.5, cfg.Crawl.RequestsPerSecond, 0.0001)
	require.Equal(t, 1, cfg.Crawl.Burst)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "bad driver", mutate: func(c *Config) { c.DB.Driver = "mysql" }, wantErr: "db.driver"},
		{name: "empty dsn", mutate: func(c *Config) { c.DB.DSN = "" }, wantErr: "db.dsn"},
		{name: "no migrations dir", mutate: func(c *Config) { c.Paths.MigrationsDir = "" }, wantErr: "paths.migrations_dir"},
		{name: "no queries dir", mutate: func(c *Config) { c.Paths.QueriesDir = "" }, wantErr: "paths.queries_dir"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "retry.max_attempts"},
		{name: "bad mode", mutate: func(c *Config) { c.Crawl.Mode = "stale" }, wantErr: "crawl.mode"},
		{name: "no scrapper", mutate: func(c *Config) { c.Crawl.ScrapperName = "" }, wantErr: "crawl.scrapper_name"},
		{name: "zero cache", mutate: func(c *Config) { c.Crawl.DedupeCacheSize = 0 }, wantErr: "crawl.dedupe_cache_size"},
		{name: "negative rate", mutate: func(c *Config) { c.Crawl.RequestsPerSecond = -1 }, wantErr: "crawl.requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}
