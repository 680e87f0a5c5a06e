// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/orchest/orchest/internal/config"
)

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name           string
		cfg            ServerConfig
		expectedErrors config.ValidationErrors
	}{
		{
			name:           "defaults are valid",
			cfg:            ServerDefaults(),
			expectedErrors: nil,
		},
		{
			name: "zero write timeout is valid",
			cfg: ServerConfig{
				Port:            8080,
				ReadTimeout:     time.Second,
				WriteTimeout:    0,
				IdleTimeout:     time.Second,
				ShutdownTimeout: time.Second,
			},
			expectedErrors: nil,
		},
		{
			name: "port out of range",
			cfg: ServerConfig{
				Port: 70000,
			},
			expectedErrors: config.ValidationErrors{
				{Field: "server.port", Message: "must be between 1 and 65535"},
			},
		},
		{
			name: "negative read timeout",
			cfg: ServerConfig{
				Port:        8080,
				ReadTimeout: -time.Second,
			},
			expectedErrors: config.ValidationErrors{
				{Field: "server.read_timeout", Message: "must be non-negative"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.cfg.Validate(config.NewPath("server"))
			if diff := cmp.Diff(tt.expectedErrors, errs); diff != "" {
				t.Errorf("validation errors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name           string
		cfg            DatabaseConfig
		expectedErrors config.ValidationErrors
	}{
		{
			name:           "defaults are valid",
			cfg:            DatabaseDefaults(),
			expectedErrors: nil,
		},
		{
			name: "unknown driver",
			cfg:  DatabaseConfig{Driver: "mysql", DSN: "dsn"},
			expectedErrors: config.ValidationErrors{
				{Field: "database.driver", Message: "must be one of: sqlite, postgres"},
			},
		},
		{
			name: "empty dsn",
			cfg:  DatabaseConfig{Driver: "postgres", DSN: ""},
			expectedErrors: config.ValidationErrors{
				{Field: "database.dsn", Message: "must not be empty"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.cfg.Validate(config.NewPath("database"))
			if diff := cmp.Diff(tt.expectedErrors, errs); diff != "" {
				t.Errorf("validation errors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchedulerConfig_Validate(t *testing.T) {
	cfg := SchedulerConfig{ProcessJobsInterval: 0, ImageGCInterval: time.Minute, TelemetryInterval: time.Minute}
	errs := cfg.Validate(config.NewPath("scheduler"))
	expected := config.ValidationErrors{
		{Field: "scheduler.process_jobs_interval", Message: "must be greater than 0s"},
	}
	if diff := cmp.Diff(expected, errs); diff != "" {
		t.Errorf("validation errors mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: 9000\ndatabase:\n  driver: sqlite\n  dsn: /data/orchest.db\n")
	if err := os.WriteFile(configPath, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("ORCHEST_API__SERVER__PORT", "9090")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want env override 9090", cfg.Server.Port)
	}
	if cfg.Database.DSN != "/data/orchest.db" {
		t.Errorf("dsn = %q, want file value", cfg.Database.DSN)
	}
	if cfg.Scheduler.ProcessJobsInterval != 10*time.Second {
		t.Errorf("process_jobs_interval = %v, want default 10s", cfg.Scheduler.ProcessJobsInterval)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
