// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package config loads layered configuration: built-in defaults, then
// an optional YAML file, then environment variables.
package config

import (
	"time"
)

// Config is the root configuration for the ShareWatch server.
type Config struct {
	Servers     []ServerConfig    `koanf:"servers" validate:"dive"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Detection   DetectionConfig   `koanf:"detection"`
	Trust       TrustConfig       `koanf:"trust"`
	NATS        NATSConfig        `koanf:"nats"`
	Database    DatabaseConfig    `koanf:"database"`
	Registry    RegistryConfig    `koanf:"registry"`
	API         APIConfig         `koanf:"api"`
	Notify      NotifyConfig      `koanf:"notify"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig describes one upstream media server.
type ServerConfig struct {
	ID       string `koanf:"id"`
	Name     string `koanf:"name" validate:"required"`
	Type     string `koanf:"type" validate:"required,oneof=plex jellyfin emby"`
	URL      string `koanf:"url" validate:"required,url"`
	Token    string `koanf:"token" validate:"required"`
	Realtime bool   `koanf:"realtime"`
}

// CoordinatorConfig controls polling and reconnection.
type CoordinatorConfig struct {
	Enabled           bool          `koanf:"enabled"`
	PollInterval      time.Duration `koanf:"poll_interval" validate:"min=1s"`
	Workers           int           `koanf:"workers" validate:"min=1,max=64"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	BackoffInitial    time.Duration `koanf:"backoff_initial"`
	BackoffMax        time.Duration `koanf:"backoff_max"`
	RateLimitPerSec   float64       `koanf:"rate_limit_per_sec"`
	BreakerMaxFails   uint32        `koanf:"breaker_max_fails"`
	BreakerOpenPeriod time.Duration `koanf:"breaker_open_period"`
}

// DetectionConfig tunes session lifecycle and default rule parameters.
type DetectionConfig struct {
	StaleTimeout          time.Duration `koanf:"stale_timeout" validate:"min=1m"`
	MinPlayTimeMs         int64         `koanf:"min_play_time_ms" validate:"min=0"`
	WatchThreshold        float64       `koanf:"watch_threshold" validate:"gt=0,lte=1"`
	ResumeThresholdMs     int64         `koanf:"resume_threshold_ms" validate:"min=0"`
	RecentWindow          time.Duration `koanf:"recent_window"`
	GeoDatabasePath       string        `koanf:"geo_database_path"`
	SeedDefaultRules      bool          `koanf:"seed_default_rules"`
	MaxSpeedKmh           float64       `koanf:"max_speed_kmh"`
	SimultaneousMinKm     float64       `koanf:"simultaneous_min_km"`
	DeviceVelocityMaxIPs  int           `koanf:"device_velocity_max_ips"`
	DeviceVelocityWindowH int           `koanf:"device_velocity_window_hours"`
	MaxConcurrentStreams  int           `koanf:"max_concurrent_streams"`
}

// TrustConfig controls trust score recovery.
type TrustConfig struct {
	RecoveryEnabled  bool          `koanf:"recovery_enabled"`
	RecoveryInterval time.Duration `koanf:"recovery_interval"`
	RecoveryPoints   int           `koanf:"recovery_points" validate:"min=0"`
}

// NATSConfig controls the event bus transport.
type NATSConfig struct {
	Enabled        bool          `koanf:"enabled"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	URL            string        `koanf:"url"`
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"min=0,max=65535"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	AckWait        time.Duration `koanf:"ack_wait"`
}

// DatabaseConfig locates the DuckDB historical store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// RegistryConfig locates the Badger active-session registry.
// An empty path runs the registry in memory.
type RegistryConfig struct {
	Path string `koanf:"path"`
}

// APIConfig controls the HTTP status surface.
type APIConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// NotifyConfig controls outbound notifications.
type NotifyConfig struct {
	WebhookURL        string        `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout    time.Duration `koanf:"webhook_timeout"`
	ServerDownDelay   time.Duration `koanf:"server_down_delay"`
	NotifyViolations  bool          `koanf:"notify_violations"`
	NotifyServerState bool          `koanf:"notify_server_state"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the layer-1 defaults. A config file and
// environment variables override these.
func defaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Enabled:           true,
			PollInterval:      30 * time.Second,
			Workers:           4,
			RequestTimeout:    15 * time.Second,
			BackoffInitial:    2 * time.Second,
			BackoffMax:        5 * time.Minute,
			RateLimitPerSec:   5,
			BreakerMaxFails:   5,
			BreakerOpenPeriod: 60 * time.Second,
		},
		Detection: DetectionConfig{
			StaleTimeout:          5 * time.Minute,
			MinPlayTimeMs:         0,
			WatchThreshold:        0.85,
			ResumeThresholdMs:     60_000,
			RecentWindow:          24 * time.Hour,
			SeedDefaultRules:      true,
			MaxSpeedKmh:           900,
			SimultaneousMinKm:     50,
			DeviceVelocityMaxIPs:  3,
			DeviceVelocityWindowH: 24,
			MaxConcurrentStreams:  2,
		},
		Trust: TrustConfig{
			RecoveryEnabled:  true,
			RecoveryInterval: 24 * time.Hour,
			RecoveryPoints:   1,
		},
		NATS: NATSConfig{
			Enabled:        true,
			EmbeddedServer: true,
			URL:            "nats://127.0.0.1:4222",
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 28,
			MaxStore:       1 << 30,
			DurableName:    "sharewatch",
			QueueGroup:     "sharewatch",
			AckWait:        30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/sharewatch.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Registry: RegistryConfig{
			Path: "/data/registry",
		},
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            3861,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Notify: NotifyConfig{
			WebhookTimeout:    10 * time.Second,
			ServerDownDelay:   60 * time.Second,
			NotifyViolations:  true,
			NotifyServerState: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
