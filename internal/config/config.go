package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service ServiceConfig `koanf:"service"`
	Sweep   SweepConfig   `koanf:"sweep"`

	DatabaseURL            string `koanf:"database_url"`
	DatabaseMaxConnections int32  `koanf:"database_max_connections"`

	NATSURL string `koanf:"nats_url"`

	MinioEndpoint  string `koanf:"minio_endpoint"`
	MinioAccessKey string `koanf:"minio_access_key"`
	MinioSecretKey string `koanf:"minio_secret_key"`
	MinioBucket    string `koanf:"minio_bucket"`

	PhotoMaxWidth  int    `koanf:"photo_max_width"`
	PhotoQuality   int    `koanf:"photo_quality"`
	ThumbnailWidth int    `koanf:"thumbnail_width"`
	PhotoBaseURL   string `koanf:"photo_base_url"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	JWTSecret              string `koanf:"jwt_secret"`
}

type SweepConfig struct {
	PendingAgeMinutes int `koanf:"pending_age_minutes"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: ROUTES_SERVICE__JWT_SECRET → service.jwt_secret
	if err := k.Load(env.Provider("ROUTES_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ROUTES_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "routes-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Sweep: SweepConfig{
			PendingAgeMinutes: 30,
		},
		DatabaseMaxConnections: 20,
		NATSURL:                "nats://127.0.0.1:4222",
		MinioBucket:            "route-photos",
		PhotoMaxWidth:          1920,
		PhotoQuality:           85,
		ThumbnailWidth:         300,
		PhotoBaseURL:           "/photos",
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	if c.DatabaseMaxConnections <= 0 {
		return fmt.Errorf("config: database_max_connections must be > 0 (got %d)", c.DatabaseMaxConnections)
	}
	if c.NATSURL == "" {
		return fmt.Errorf("config: nats_url is required")
	}
	if c.MinioEndpoint == "" {
		return fmt.Errorf("config: minio_endpoint is required")
	}
	if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
		return fmt.Errorf("config: minio_access_key and minio_secret_key are required")
	}
	if c.MinioBucket == "" {
		return fmt.Errorf("config: minio_bucket is required")
	}
	if c.PhotoMaxWidth <= 0 {
		return fmt.Errorf("config: photo_max_width must be > 0 (got %d)", c.PhotoMaxWidth)
	}
	if c.PhotoQuality < 1 || c.PhotoQuality > 100 {
		return fmt.Errorf("config: photo_quality must be 1-100 (got %d)", c.PhotoQuality)
	}
	if c.ThumbnailWidth <= 0 {
		return fmt.Errorf("config: thumbnail_width must be > 0 (got %d)", c.ThumbnailWidth)
	}
	if c.PhotoBaseURL == "" {
		return fmt.Errorf("config: photo_base_url is required")
	}
	if c.Service.JWTSecret == "" {
		return fmt.Errorf("config: service.jwt_secret is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Sweep.PendingAgeMinutes <= 0 {
		return fmt.Errorf("config: sweep.pending_age_minutes must be > 0 (got %d)", c.Sweep.PendingAgeMinutes)
	}
	return nil
}
