// Package config loads the cache and remote tier configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Cache     CacheConfig
	Database  DatabaseConfig
	MinIO     MinIOConfig
	Telemetry TelemetryConfig
}

type CacheConfig struct {
	Path          string        `envconfig:"MEDIACACHE_PATH" default:"./mediacache/cache.db"`
	MediaDir      string        `envconfig:"MEDIACACHE_MEDIA_DIR" default:"./mediacache/media"`
	SizeThreshold int64         `envconfig:"MEDIACACHE_SIZE_THRESHOLD" default:"104857600"`
	Freshness     time.Duration `envconfig:"MEDIACACHE_PROJECT_FRESHNESS" default:"5m"`
	ReapInterval  time.Duration `envconfig:"MEDIACACHE_REAP_INTERVAL" default:"15m"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"clipforge"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"clipforge"`
	DBName   string `envconfig:"POSTGRES_DB" default:"clipforge"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type MinIOConfig struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"MINIO_BUCKET" default:"media"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

type TelemetryConfig struct {
	OTLPEndpoint     string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	EnablePrometheus bool   `envconfig:"MEDIACACHE_PROMETHEUS" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
