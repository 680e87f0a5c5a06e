// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package cmdutil

import (
	"log/slog"

	"github.com/orchest/orchest/internal/logging"
)

// SetupLogger creates a structured JSON logger with the specified level
func SetupLogger(levelStr string) *slog.Logger {
	return logging.New(logging.Config{Level: levelStr, Format: "json"})
}
