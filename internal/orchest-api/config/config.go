// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the orchest-api configuration: the HTTP server,
// the state store, the container runtime connection, the recurring
// scheduler and logging.
package config

import (
	"fmt"

	coreconfig "github.com/orchest/orchest/internal/config"
)

// Config is the top-level configuration for orchest-api.
type Config struct {
	// Server defines HTTP server settings.
	Server ServerConfig `koanf:"server"`
	// Database defines state store settings.
	Database DatabaseConfig `koanf:"database"`
	// Docker defines the container runtime connection.
	Docker DockerConfig `koanf:"docker"`
	// Scheduler defines the recurring job intervals.
	Scheduler SchedulerConfig `koanf:"scheduler"`
	// Logging defines logging settings.
	Logging LoggingConfig `koanf:"logging"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Server:    ServerDefaults(),
		Database:  DatabaseDefaults(),
		Docker:    DockerDefaults(),
		Scheduler: SchedulerDefaults(),
		Logging:   LoggingDefaults(),
	}
}

// Load loads configuration from file and environment variables.
// Environment variables use the prefix ORCHEST_API__ with double
// underscore for nesting. Example: ORCHEST_API__SERVER__PORT=8080.
func Load(configPath string) (*Config, error) {
	loader := coreconfig.NewLoader("ORCHEST_API")

	if err := loader.LoadWithDefaults(Defaults(), configPath); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := loader.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs coreconfig.ValidationErrors

	errs = append(errs, c.Server.Validate(coreconfig.NewPath("server"))...)
	errs = append(errs, c.Database.Validate(coreconfig.NewPath("database"))...)
	errs = append(errs, c.Docker.Validate(coreconfig.NewPath("docker"))...)
	errs = append(errs, c.Scheduler.Validate(coreconfig.NewPath("scheduler"))...)
	errs = append(errs, c.Logging.Validate(coreconfig.NewPath("logging"))...)

	return errs.OrNil()
}
