// Package config loads runtime settings from config.toml and LIBRARY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Session  SessionConfig
	Cache    CacheConfig
	Feed     FeedConfig
	Notify   NotifyConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// AppConfig holds application-wide settings.
type AppConfig struct {
	Name    string
	Env     string
	DataDir string // directory for the database, token file and session snapshot
}

// DatabaseConfig configures the sqlite backing store.
type DatabaseConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// RedisConfig configures the cross-process change-feed relay. The relay is
// only started when Enabled is set.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	Channel  string
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// AuthConfig configures the local auth provider.
type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	AccessTokenTTL time.Duration
	TokenFile      string
	BcryptCost     int
}

// SessionConfig configures the persisted session snapshot.
type SessionConfig struct {
	SnapshotKey string
}

// CacheConfig holds the query cache defaults.
type CacheConfig struct {
	StaleTime     time.Duration
	GCTime        time.Duration
	Retry         int
	MaxRetryDelay time.Duration
	NetworkMode   string // online, offlineFirst, always
}

// FeedConfig configures change-feed delivery.
type FeedConfig struct {
	BufferSize       int
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
}

// NotifyConfig configures notification side effects.
type NotifyConfig struct {
	QueueSize    int
	MailRate     float64 // messages per second
	MailBurst    int
	FromAddress  string
	DrainTimeout time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	Listen string // empty disables the endpoint
}

// Load loads configuration.
// Priority (highest to lowest):
// 1. Environment variables with LIBRARY_ prefix (e.g., LIBRARY_DATABASE_PATH)
// 2. config.toml in the working directory or $HOME/.library
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".library"))
	}
	return load(v)
}

// LoadFile loads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LIBRARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			DataDir: v.GetString("app.data_dir"),
		},
		Database: DatabaseConfig{
			Path:        v.GetString("database.path"),
			BusyTimeout: v.GetDuration("database.busy_timeout"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Auth: AuthConfig{
			JWTSecret:      v.GetString("auth.jwt_secret"),
			Issuer:         v.GetString("auth.issuer"),
			AccessTokenTTL: v.GetDuration("auth.access_token_ttl"),
			TokenFile:      v.GetString("auth.token_file"),
			BcryptCost:     v.GetInt("auth.bcrypt_cost"),
		},
		Session: SessionConfig{
			SnapshotKey: v.GetString("session.snapshot_key"),
		},
		Cache: CacheConfig{
			StaleTime:     v.GetDuration("cache.stale_time"),
			GCTime:        v.GetDuration("cache.gc_time"),
			Retry:         v.GetInt("cache.retry"),
			MaxRetryDelay: v.GetDuration("cache.max_retry_delay"),
			NetworkMode:   v.GetString("cache.network_mode"),
		},
		Feed: FeedConfig{
			BufferSize:       v.GetInt("feed.buffer_size"),
			ReconnectBackoff: v.GetDuration("feed.reconnect_backoff"),
			MaxBackoff:       v.GetDuration("feed.max_backoff"),
		},
		Notify: NotifyConfig{
			QueueSize:    v.GetInt("notify.queue_size"),
			MailRate:     v.GetFloat64("notify.mail_rate"),
			MailBurst:    v.GetInt("notify.mail_burst"),
			FromAddress:  v.GetString("notify.from_address"),
			DrainTimeout: v.GetDuration("notify.drain_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Metrics: MetricsConfig{
			Listen: v.GetString("metrics.listen"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "library"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = "."
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.App.DataDir, "library.db")
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = 5 * time.Second
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "library:changes"
	}
	if cfg.Auth.JWTSecret == "" && cfg.App.Env != "production" {
		cfg.Auth.JWTSecret = "library-development-secret-do-not-use"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = cfg.App.Name
	}
	if cfg.Auth.AccessTokenTTL == 0 {
		cfg.Auth.AccessTokenTTL = time.Hour
	}
	if cfg.Auth.TokenFile == "" {
		cfg.Auth.TokenFile = filepath.Join(cfg.App.DataDir, ".library-token")
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 10
	}
	if cfg.Session.SnapshotKey == "" {
		cfg.Session.SnapshotKey = "library-auth"
	}
	if cfg.Cache.StaleTime == 0 {
		cfg.Cache.StaleTime = 30 * time.Second
	}
	if cfg.Cache.GCTime == 0 {
		cfg.Cache.GCTime = 5 * time.Minute
	}
	if cfg.Cache.Retry == 0 {
		cfg.Cache.Retry = 3
	}
	if cfg.Cache.MaxRetryDelay == 0 {
		cfg.Cache.MaxRetryDelay = 30 * time.Second
	}
	if cfg.Cache.NetworkMode == "" {
		cfg.Cache.NetworkMode = "offlineFirst"
	}
	if cfg.Feed.BufferSize == 0 {
		cfg.Feed.BufferSize = 64
	}
	if cfg.Feed.ReconnectBackoff == 0 {
		cfg.Feed.ReconnectBackoff = 500 * time.Millisecond
	}
	if cfg.Feed.MaxBackoff == 0 {
		cfg.Feed.MaxBackoff = 30 * time.Second
	}
	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 128
	}
	if cfg.Notify.MailRate == 0 {
		cfg.Notify.MailRate = 2
	}
	if cfg.Notify.MailBurst == 0 {
		cfg.Notify.MailBurst = 5
	}
	if cfg.Notify.FromAddress == "" {
		cfg.Notify.FromAddress = "circulation@library.local"
	}
	if cfg.Notify.DrainTimeout == 0 {
		cfg.Notify.DrainTimeout = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
}

func (c *Config) validate() error {
	switch c.Cache.NetworkMode {
	case "online", "offlineFirst", "always":
	default:
		return fmt.Errorf("cache.network_mode must be one of online, offlineFirst, always; got %q", c.Cache.NetworkMode)
	}
	if c.Cache.Retry < 0 {
		return fmt.Errorf("cache.retry cannot be negative")
	}
	if c.Feed.BufferSize < 1 {
		return fmt.Errorf("feed.buffer_size must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}

	if c.App.Env == "production" {
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters in production")
		}
	}
	return nil
}
