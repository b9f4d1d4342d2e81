// Package config loads and validates crawl store configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Crawl selection modes.
const (
	ModePending = "pending"
	ModeAll     = "all"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PathsConfig locates the SQL assets shipped with the crawler.
type PathsConfig struct {
	MigrationsDir string `mapstructure:"migrations_dir"`
	QueriesDir    string `mapstructure:"queries_dir"`
	FeedFile      string `mapstructure:"feed_file"`
}

// RetryConfig bounds persistence retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// CrawlConfig governs work selection and audit attribution.
type CrawlConfig struct {
	Mode              string        `mapstructure:"mode"`
	ScrapperName      string        `mapstructure:"scrapper_name"`
	BaseURL           string        `mapstructure:"base_url"`
	UserProfile       string        `mapstructure:"user_profile"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	DedupeCacheSize   int           `mapstructure:"dedupe_cache_size"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "whakoom.db")
	v.SetDefault("db.max_open_conns", 1)
	v.SetDefault("paths.migrations_dir", "db/migrations/sqlite")
	v.SetDefault("paths.queries_dir", "db/queries")
	v.SetDefault("paths.feed_file", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("crawl.mode", ModePending)
	v.SetDefault("crawl.scrapper_name", "lists")
	v.SetDefault("crawl.base_url", "https://www.whakoom.com")
	v.SetDefault("crawl.user_profile", "")
	v.SetDefault("crawl.stale_after", 30*time.Minute)
	v.SetDefault("crawl.dedupe_cache_size", 4096)
	v.SetDefault("crawl.requests_per_second", 0.5)
	v.SetDefault("crawl.burst", 1)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.max_batch_events", 32)
	v.SetDefault("progress.max_batch_wait", time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// ProfileURL is the lists page of the configured user, or "" when no
// profile is set.
func (c CrawlConfig) ProfileURL() string {
	if c.UserProfile == "" {
		return ""
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + c.UserProfile + "/lists"
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("db.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.DB.MaxOpenConns < 0 {
		return fmt.Errorf("db.max_open_conns must be >= 0")
	}
	if c.Paths.MigrationsDir == "" {
		return fmt.Errorf("paths.migrations_dir must be set")
	}
	if c.Paths.QueriesDir == "" {
		return fmt.Errorf("paths.queries_dir must be set")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be >= 0")
	}
	switch c.Crawl.Mode {
	case ModePending, ModeAll:
	default:
		return fmt.Errorf("crawl.mode must be %q or %q, got %q", ModePending, ModeAll, c.Crawl.Mode)
	}
	if c.Crawl.ScrapperName == "" {
		return fmt.Errorf("crawl.scrapper_name must be set")
	}
	if c.Crawl.StaleAfter < 0 {
		return fmt.Errorf("crawl.stale_after must be >= 0")
	}
	if c.Crawl.DedupeCacheSize <= 0 {
		return fmt.Errorf("crawl.dedupe_cache_size must be > 0")
	}
	if c.Crawl.RequestsPerSecond < 0 {
		return fmt.Errorf("crawl.requests_per_second must be >= 0")
	}
	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0")
	}
	return nil
}
