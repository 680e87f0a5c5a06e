// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Config holds the database connection settings.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the driver-specific connection string. For sqlite this must
	// be a file path; in-memory databases do not survive the connection
	// pool handing out a second connection.
	DSN string
}

// Store wraps the gorm database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and returns a Store. The schema is not
// migrated; call AutoMigrate before first use.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	return &Store{db: db}, nil
}

// AutoMigrate creates or updates the schema for all models.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&Project{},
		&Pipeline{},
		&EnvironmentBuild{},
		&JupyterBuild{},
		&InteractiveSession{},
		&PipelineRun{},
		&PipelineRunStep{},
		&Job{},
		&PipelineRunImageMapping{},
		&SchedulerJob{},
		&Task{},
	)
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithContext returns the gorm handle bound to ctx.
func (s *Store) WithContext(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction runs fn inside a database transaction bound to ctx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ForUpdate adds a SELECT ... FOR UPDATE row lock to the query on dialects
// that support it. SQLite rejects FOR UPDATE; its single-writer transactions
// already serialize, so the clause is skipped there.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
