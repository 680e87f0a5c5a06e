// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs named jobs at fixed intervals with exactly one
// execution per interval across replicas. Every replica runs the wheel;
// they cooperate through the scheduler_jobs table, whose row lock plus
// last-run timestamp form the critical section.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/store"
)

// Recurring job types.
const (
	JobTypeTelemetryHeartbeat = "TELEMETRY_HEARTBEAT"
	JobTypeProcessJobs        = "PROCESS_JOBS"
	JobTypeImageGC            = "IMAGE_GC"
)

// epsilon compensates for wheel lag between replicas. A slow execution
// followed by a fast one would otherwise observe slightly less than a full
// interval and skip a beat.
const epsilon = 6 * time.Second

// Handler is the work a recurring job performs. Errors are logged, not
// retried; the next interval simply tries again.
type Handler func(ctx context.Context) error

// Registration binds a job type to its interval and handler.
type Registration struct {
	Type     string
	Interval time.Duration
	Handler  Handler
}

// Scheduler drives the registered jobs on a cron wheel.
type Scheduler struct {
	store  *store.Store
	logger *slog.Logger
	cron   *cron.Cron
	jobs   []Registration
}

func New(st *store.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		logger: logger.With("component", "scheduler"),
	}
}

// Register adds a recurring job. Must be called before Start.
func (s *Scheduler) Register(jobType string, interval time.Duration, handler Handler) {
	s.jobs = append(s.jobs, Registration{Type: jobType, Interval: interval, Handler: handler})
}

// Start launches the wheel. With runOnStart set, every job also gets an
// immediate tick; the claim guard keeps a fleet of restarting replicas
// from stampeding the handlers.
func (s *Scheduler) Start(ctx context.Context, runOnStart bool) {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	for _, reg := range s.jobs {
		reg := reg
		s.cron.Schedule(cron.Every(reg.Interval), cron.FuncJob(func() {
			s.tick(ctx, reg)
		}))
		s.logger.Info("recurring job registered",
			"job_type", reg.Type, "interval", reg.Interval.String())
	}
	s.cron.Start()
	if runOnStart {
		for _, reg := range s.jobs {
			go s.tick(ctx, reg)
		}
	}
}

// Stop halts the wheel and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// tick claims the current interval and, if this replica won it, runs the
// handler.
func (s *Scheduler) tick(ctx context.Context, reg Registration) {
	claimed, err := s.claim(ctx, reg.Type, reg.Interval)
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another replica created the job row first.
			s.logger.Debug("scheduler job row already exists", "job_type", reg.Type)
			return
		}
		s.logger.Error("claiming scheduler job", "job_type", reg.Type, "error", err)
		return
	}
	if !claimed {
		s.logger.Debug("interval not passed or claimed by another replica",
			"job_type", reg.Type)
		return
	}
	s.logger.Info("running recurring job", "job_type", reg.Type)
	if err := reg.Handler(ctx); err != nil {
		s.logger.Error("recurring job failed", "job_type", reg.Type, "error", err)
	}
}

// claim is the critical section. It locks the job row and checks that a
// full interval, give or take epsilon, passed since the last execution.
// The first tick ever creates the row and wins the claim outright.
func (s *Scheduler) claim(ctx context.Context, jobType string, interval time.Duration) (bool, error) {
	claimed := false
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var job store.SchedulerJob
		err := tx.First(&job, "type = ?", jobType).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			claimed = true
			return tx.Create(&store.SchedulerJob{Type: jobType, Timestamp: now}).Error
		}
		if err != nil {
			return err
		}

		// Intervals at or below epsilon fire on every tick.
		dt := interval - epsilon
		if dt < 0 {
			dt = 0
		}
		// A replica that blocks on the lock here re-evaluates the
		// timestamp check once the holder commits, so only one of them
		// observes an expired interval.
		err = store.ForUpdate(tx).
			Where("type = ? AND timestamp <= ?", jobType, now.Add(-dt)).
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		return tx.Model(&store.SchedulerJob{}).
			Where("type = ?", jobType).
			Update("timestamp", now).Error
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
