// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/orchest/orchest/internal/config"
)

// SchedulerConfig defines the recurring job intervals. The PROCESS_JOBS
// interval bounds how late a scheduled job run can start, so it is kept
// tight; the sweeps can afford to be lazy.
type SchedulerConfig struct {
	// ProcessJobsInterval is how often due jobs are materialized into runs.
	ProcessJobsInterval time.Duration `koanf:"process_jobs_interval"`
	// ImageGCInterval is how often dangling environment images are swept.
	ImageGCInterval time.Duration `koanf:"image_gc_interval"`
	// TelemetryInterval is how often the heartbeat is emitted.
	TelemetryInterval time.Duration `koanf:"telemetry_interval"`
	// RunOnStart triggers every recurring job once at startup.
	RunOnStart bool `koanf:"run_on_start"`
}

// SchedulerDefaults returns the default scheduler configuration.
func SchedulerDefaults() SchedulerConfig {
	return SchedulerConfig{
		ProcessJobsInterval: 10 * time.Second,
		ImageGCInterval:     15 * time.Minute,
		TelemetryInterval:   15 * time.Minute,
		RunOnStart:          true,
	}
}

// Validate validates the scheduler configuration.
func (c *SchedulerConfig) Validate(path *config.Path) config.ValidationErrors {
	var errs config.ValidationErrors

	if err := config.MustBeGreaterThan(path.Child("process_jobs_interval"), c.ProcessJobsInterval, 0); err != nil {
		errs = append(errs, err)
	}
	if err := config.MustBeGreaterThan(path.Child("image_gc_interval"), c.ImageGCInterval, 0); err != nil {
		errs = append(errs, err)
	}
	if err := config.MustBeGreaterThan(path.Child("telemetry_interval"), c.TelemetryInterval, 0); err != nil {
		errs = append(errs, err)
	}

	return errs
}
