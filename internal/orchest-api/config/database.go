// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/orchest/orchest/internal/config"
	"github.com/orchest/orchest/internal/store"
)

// DatabaseConfig defines state store settings.
type DatabaseConfig struct {
	// Driver selects the database backend (sqlite, postgres).
	Driver string `koanf:"driver"`
	// DSN is the driver-specific connection string. For sqlite it is the
	// database file path.
	DSN string `koanf:"dsn"`
}

// DatabaseDefaults returns the default database configuration.
func DatabaseDefaults() DatabaseConfig {
	return DatabaseConfig{
		Driver: "sqlite",
		DSN:    "orchest.db",
	}
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeOneOf(path.Child("driver"), c.Driver, []string{"sqlite", "postgres"}); err != nil {
		errs = append(errs, err)
	}
	if err := config.MustNotBeEmpty(path.Child("dsn"), c.DSN); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// ToStoreConfig converts to the store library config.
func (c *DatabaseConfig) ToStoreConfig() store.Config {
	return store.Config{
		Driver: c.Driver,
		DSN:    c.DSN,
	}
}
