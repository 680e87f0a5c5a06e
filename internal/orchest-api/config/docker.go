// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/orchest/orchest/internal/config"
	"github.com/orchest/orchest/internal/docker"
)

// DockerConfig defines the container runtime connection.
type DockerConfig struct {
	// Host overrides the daemon address. Empty defers to the standard
	// DOCKER_HOST environment handling.
	Host string `koanf:"host"`
	// CallTimeout bounds short-lived daemon calls.
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// DockerDefaults returns the default docker configuration.
func DockerDefaults() DockerConfig {
	return DockerConfig{
		Host:        "",
		CallTimeout: 30 * time.Second,
	}
}

// Validate validates the docker configuration.
func (c *DockerConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeNonNegative(path.Child("call_timeout"), c.CallTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// ToDockerConfig converts to the docker library config.
func (c *DockerConfig) ToDockerConfig() docker.Config {
	return docker.Config{
		Host:        c.Host,
		CallTimeout: c.CallTimeout,
	}
}
