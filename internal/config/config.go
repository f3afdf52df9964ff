// Package config loads process configuration from MSLT_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Storage selects the population store backend.
type Storage struct {
	Driver      string `env:"DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"mslt.db"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// Blob selects where run results are written.
type Blob struct {
	Driver          string `env:"DRIVER" envDefault:"fs"`
	FSRoot          string `env:"FS_ROOT" envDefault:"./results"`
	Bucket          string `env:"S3_BUCKET"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"S3_ENDPOINT"`
	PathStyle       bool   `env:"S3_PATH_STYLE"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
}

// Telemetry configures OTLP trace export. Tracing is off unless both fields
// are set.
type Telemetry struct {
	Enabled  bool   `env:"ENABLED"`
	Endpoint string `env:"ENDPOINT"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel        string    `env:"MSLT_LOG_LEVEL" envDefault:"info"`
	LogFormat       string    `env:"MSLT_LOG_FORMAT" envDefault:"text"`
	MaxAge          int       `env:"MSLT_MAX_AGE" envDefault:"110"`
	ParallelTracks  bool      `env:"MSLT_PARALLEL_TRACKS"`
	MetricsTextfile string    `env:"MSLT_METRICS_TEXTFILE"`
	Storage         Storage   `envPrefix:"MSLT_STORAGE_"`
	Blob            Blob      `envPrefix:"MSLT_BLOB_"`
	Telemetry       Telemetry `envPrefix:"MSLT_OTEL_"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and formats.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max age must be positive, got %d", c.MaxAge)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("MSLT_BLOB_S3_BUCKET required for s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
	return level, nil
}

// NewLogger builds the process logger. A nil writer logs to stderr.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
