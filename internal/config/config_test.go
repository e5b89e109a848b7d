// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package config

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Detection.WatchThreshold != 0.85 {
		t.Errorf("watch threshold = %v, want 0.85", cfg.Detection.WatchThreshold)
	}
	if cfg.Detection.StaleTimeout != 5*time.Minute {
		t.Errorf("stale timeout = %v, want 5m", cfg.Detection.StaleTimeout)
	}
	if cfg.Detection.ResumeThresholdMs != 60_000 {
		t.Errorf("resume threshold = %v, want 60000", cfg.Detection.ResumeThresholdMs)
	}
	if cfg.Coordinator.PollInterval != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", cfg.Coordinator.PollInterval)
	}
}

func TestValidateRejectsBadWatchThreshold(t *testing.T) {
	cfg := defaultConfig()
	cfg.Detection.WatchThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("watch threshold above 1 should fail validation")
	}

	cfg.Detection.WatchThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero watch threshold should fail validation")
	}
}

func TestValidateRejectsBadServer(t *testing.T) {
	tests := []struct {
		name   string
		server ServerConfig
	}{
		{
			name:   "unknown type",
			server: ServerConfig{Name: "s", Type: "kodi", URL: "http://localhost:32400", Token: "t"},
		},
		{
			name:   "missing url",
			server: ServerConfig{Name: "s", Type: "plex", Token: "t"},
		},
		{
			name:   "missing token",
			server: ServerConfig{Name: "s", Type: "plex", URL: "http://localhost:32400"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Servers = []ServerConfig{tt.server}
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateRejectsDuplicateServerIDs(t *testing.T) {
	cfg := defaultConfig()
	cfg.Servers = []ServerConfig{
		{ID: "a", Name: "one", Type: "plex", URL: "http://localhost:32400", Token: "t"},
		{ID: "a", Name: "two", Type: "jellyfin", URL: "http://localhost:8096", Token: "t"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate server ids should fail validation")
	}
}

func TestValidateBackoffOrdering(t *testing.T) {
	cfg := defaultConfig()
	cfg.Coordinator.BackoffInitial = 10 * time.Minute
	cfg.Coordinator.BackoffMax = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("initial backoff above max should fail validation")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"SHAREWATCH_API_PORT", "api.port"},
		{"SHAREWATCH_DETECTION_STALE_TIMEOUT", "detection.stale_timeout"},
		{"SHAREWATCH_NATS_URL", "nats.url"},
		{"SHAREWATCH_LOGGING_LEVEL", "logging.level"},
	}

	for _, tt := range tests {
		if got := envTransform(tt.key); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
