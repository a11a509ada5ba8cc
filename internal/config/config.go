// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	LogLevel  string
	LogFormat string

	StorageBackend      string
	StorageFallbackPath string
	FilePath            string
	DatabaseURL         string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKeyPrefix    string
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisDialTimeout  time.Duration
	RedisReadTimeout  time.Duration
	RedisWriteTimeout time.Duration

	BaseURL string

	NoShowGrace     time.Duration
	NoShowInterval  time.Duration
	NoShowBatchSize int

	RateLimitPerMinute int
	RateLimitBurst     int

	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func Load() (Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", "10s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "60s")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORAGE_BACKEND", BackendMemory)
	v.SetDefault("STORAGE_FALLBACK_PATH", "")
	v.SetDefault("FILE_PATH", "orderly.json")
	v.SetDefault("DB_DSN", "")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "orderly:")
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	v.SetDefault("BASE_URL", "http://localhost:8080")

	v.SetDefault("NO_SHOW_GRACE_SECONDS", 300)
	v.SetDefault("NO_SHOW_SCAN_INTERVAL_SECONDS", 30)
	v.SetDefault("NO_SHOW_BATCH_SIZE", 100)

	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)

	v.SetDefault("QUEUE_RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("QUEUE_RETRY_INITIAL_INTERVAL", "25ms")
	v.SetDefault("QUEUE_RETRY_MAX_INTERVAL", "250ms")
}

func bindConfig(v *viper.Viper) Config {
	return Config{
		Port:         v.GetString("SERVER_PORT"),
		ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  v.GetDuration("SERVER_IDLE_TIMEOUT"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		StorageBackend:      v.GetString("STORAGE_BACKEND"),
		StorageFallbackPath: v.GetString("STORAGE_FALLBACK_PATH"),
		FilePath:            v.GetString("FILE_PATH"),
		DatabaseURL:         v.GetString("DB_DSN"),

		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		RedisKeyPrefix:    v.GetString("REDIS_KEY_PREFIX"),
		RedisPoolSize:     v.GetInt("REDIS_POOL_SIZE"),
		RedisMinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
		RedisDialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
		RedisReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
		RedisWriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),

		BaseURL: v.GetString("BASE_URL"),

		NoShowGrace:     secondsToDuration(v.GetInt("NO_SHOW_GRACE_SECONDS")),
		NoShowInterval:  secondsToDuration(v.GetInt("NO_SHOW_SCAN_INTERVAL_SECONDS")),
		NoShowBatchSize: v.GetInt("NO_SHOW_BATCH_SIZE"),

		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MIN"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),

		RetryMaxAttempts:     v.GetInt("QUEUE_RETRY_MAX_ATTEMPTS"),
		RetryInitialInterval: v.GetDuration("QUEUE_RETRY_INITIAL_INTERVAL"),
		RetryMaxInterval:     v.GetDuration("QUEUE_RETRY_MAX_INTERVAL"),
	}
}

func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendFile:
		if c.FilePath == "" {
			return fmt.Errorf("FILE_PATH is required for the file backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (expected memory, file, redis or postgres)", c.StorageBackend)
	}
	if c.Port == "" {
		return fmt.Errorf("SERVER_PORT must not be empty")
	}
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
