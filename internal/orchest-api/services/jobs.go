// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/pipeline"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/twophase"
)

// JobService manages jobs: recipes that produce pipeline runs once or on a
// cron schedule. A job starts as DRAFT and only enters the scheduler's
// scope when confirmed to PENDING.
type JobService struct {
	store    *store.Store
	executor *twophase.Executor
	runs     *RunService
	logger   *slog.Logger
}

// NewJobService creates a new job service.
func NewJobService(st *store.Store, executor *twophase.Executor, runs *RunService, logger *slog.Logger) *JobService {
	return &JobService{
		store:    st,
		executor: executor,
		runs:     runs,
		logger:   logger,
	}
}

// parseSchedule validates a five-field cron expression interpreted in UTC.
func parseSchedule(schedule string) (cron.Schedule, error) {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return parsed, nil
}

// Create inserts a job as DRAFT. The schedule, when given, is validated now
// so a bad expression fails at creation instead of at confirmation.
func (s *JobService) Create(ctx context.Context, req models.CreateJobRequest) (*store.Job, error) {
	s.logger.Debug("Creating job", "project_uuid", req.ProjectUUID)

	if req.Schedule != nil {
		if _, err := parseSchedule(*req.Schedule); err != nil {
			return nil, err
		}
	}

	job := store.Job{
		UUID:               req.UUID,
		ProjectUUID:        req.ProjectUUID,
		PipelineUUID:       req.PipelineUUID,
		PipelineDefinition: store.JSONMap(req.PipelineDefinition),
		PipelineRunSpec:    store.JSONMap(req.PipelineRunSpec),
		JobParameters:      parameterSlice(req.JobParameters),
		Schedule:           req.Schedule,
		Status:             store.StatusDraft,
	}
	if job.UUID == "" {
		job.UUID = uuid.NewString()
	}
	if err := s.store.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return &job, nil
}

func parameterSlice(params []map[string]any) store.JSONSlice {
	out := make(store.JSONSlice, 0, len(params))
	for _, p := range params {
		out = append(out, p)
	}
	return out
}

// Update edits a job and optionally confirms a draft. Confirming moves the
// job to PENDING and computes its first next_scheduled_time: the explicit
// time when given, the schedule's next occurrence otherwise, or now for a
// one-shot job, which the scheduler then picks up on its next pass.
func (s *JobService) Update(ctx context.Context, jobUUID string, req models.UpdateJobRequest) (*store.Job, error) {
	s.logger.Debug("Updating job", "job_uuid", jobUUID)

	var job store.Job
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := store.ForUpdate(tx).First(&job, "uuid = ?", jobUUID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}

		if req.Schedule != nil {
			if _, err := parseSchedule(*req.Schedule); err != nil {
				return err
			}
			job.Schedule = req.Schedule
		}
		if req.JobParameters != nil {
			job.JobParameters = parameterSlice(req.JobParameters)
		}
		var explicitNext *time.Time
		if req.NextScheduledTime != nil {
			parsed, err := models.ParseTimestamp(*req.NextScheduledTime)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
			}
			explicitNext = &parsed
		}

		if req.ConfirmDraft {
			if job.Status != store.StatusDraft {
				return ErrJobNotDraft
			}
			job.Status = store.StatusPending
			now := time.Now().UTC()
			switch {
			case explicitNext != nil:
				job.NextScheduledTime = explicitNext
			case job.Schedule != nil:
				parsed, err := parseSchedule(*job.Schedule)
				if err != nil {
					return err
				}
				next := parsed.Next(now)
				job.NextScheduledTime = &next
			default:
				job.NextScheduledTime = &now
			}
		} else if explicitNext != nil {
			job.NextScheduledTime = explicitNext
		}

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ProcessJobs materializes runs for every job whose next_scheduled_time
// passed. Jobs are processed independently so one broken definition cannot
// starve the rest; per-job failures are logged and retried on the next
// scheduler pass.
func (s *JobService) ProcessJobs(ctx context.Context) error {
	now := time.Now().UTC()
	var due []string
	err := s.store.WithContext(ctx).
		Model(&store.Job{}).
		Where("status = ? AND next_scheduled_time <= ?", store.StatusPending, now).
		Order("next_scheduled_time").
		Pluck("uuid", &due).Error
	if err != nil {
		return fmt.Errorf("failed to query due jobs: %w", err)
	}

	for _, jobUUID := range due {
		if err := s.trigger(ctx, jobUUID); err != nil {
			s.logger.Error("Failed to trigger job", "job_uuid", jobUUID, "error", err)
		}
	}
	return nil
}

// trigger runs one job occurrence: stage one run per parameter set, stamp
// them all with the current execution number, then advance the schedule.
// The row lock re-check keeps a racing replica from double-triggering.
func (s *JobService) trigger(ctx context.Context, jobUUID string) error {
	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		now := time.Now().UTC()

		var job store.Job
		err := store.ForUpdate(tx).
			Where("status = ? AND next_scheduled_time <= ?", store.StatusPending, now).
			First(&job, "uuid = ?", jobUUID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}

		def, err := pipeline.FromMap(map[string]any(job.PipelineDefinition))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
		}
		runType, uuids, runConfig := splitRunSpec(job.PipelineRunSpec)
		subset, err := def.Subset(runType, uuids)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
		}

		for _, params := range runParameters(job.JobParameters) {
			_, err := s.runs.StageRun(tx, batch, RunSpec{
				ProjectUUID:    job.ProjectUUID,
				Definition:     def,
				Subset:         subset,
				RunConfig:      runConfig,
				Kind:           store.RunKindNonInteractive,
				JobUUID:        &job.UUID,
				ScheduleNumber: job.TotalScheduledExecutions,
				Parameters:     params,
			})
			if err != nil {
				return err
			}
		}

		update := map[string]any{
			"total_scheduled_executions": job.TotalScheduledExecutions + 1,
		}
		if job.Schedule != nil {
			parsed, err := parseSchedule(*job.Schedule)
			if err != nil {
				return err
			}
			update["next_scheduled_time"] = parsed.Next(now)
		} else {
			// One-shot: nothing left to schedule. The run status
			// callbacks settle the job to SUCCESS once every run
			// finishes.
			update["next_scheduled_time"] = nil
			update["status"] = store.StatusStarted
		}
		err = tx.Model(&store.Job{}).Where("uuid = ?", job.UUID).Updates(update).Error
		if err != nil {
			return fmt.Errorf("failed to advance job schedule: %w", err)
		}
		return nil
	})
}

// splitRunSpec pulls the run selection and run_config out of the job's
// pipeline_run_spec document.
func splitRunSpec(spec store.JSONMap) (pipeline.RunType, []string, map[string]any) {
	runType := pipeline.RunTypeFull
	if v, ok := spec["run_type"].(string); ok && v != "" {
		runType = pipeline.RunType(v)
	}
	var uuids []string
	if raw, ok := spec["uuids"].([]any); ok {
		for _, entry := range raw {
			if str, ok := entry.(string); ok {
				uuids = append(uuids, str)
			}
		}
	}
	runConfig, _ := spec["run_config"].(map[string]any)
	return runType, uuids, runConfig
}

// runParameters expands job_parameters into one parameter set per run. A
// job without parameters still produces a single run.
func runParameters(params store.JSONSlice) []map[string]any {
	if len(params) == 0 {
		return []map[string]any{nil}
	}
	out := make([]map[string]any, 0, len(params))
	for _, entry := range params {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, m)
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// Abort cancels the job and all of its unfinished runs. Reports whether
// the job row changed; aborting a draft or finished job changes nothing.
func (s *JobService) Abort(ctx context.Context, jobUUID string) (bool, error) {
	s.logger.Debug("Aborting job", "job_uuid", jobUUID)

	var aborted bool
	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var job store.Job
		err := store.ForUpdate(tx).First(&job, "uuid = ?", jobUUID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		changed, err := s.stageAbort(tx, batch, jobUUID)
		if err != nil {
			return err
		}
		aborted = changed
		return nil
	})
	if err != nil {
		return false, err
	}
	return aborted, nil
}

// stageAbort aborts the job row and every non-terminal run it produced.
func (s *JobService) stageAbort(tx *gorm.DB, batch *twophase.Batch, jobUUID string) (bool, error) {
	changed, err := store.UpdateStatus(tx, &store.Job{},
		map[string]any{"uuid": jobUUID},
		store.StatusUpdate{Status: store.StatusAborted})
	if err != nil {
		return false, fmt.Errorf("failed to abort job: %w", err)
	}

	var runs []store.PipelineRun
	err = store.ForUpdate(tx).
		Where("job_uuid = ?", jobUUID).
		Where("status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
		Find(&runs).Error
	if err != nil {
		return false, fmt.Errorf("failed to load job runs: %w", err)
	}
	for _, run := range runs {
		if _, err := s.runs.stageAbort(tx, batch, run.UUID); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// Delete aborts the job and removes it together with all of its runs, step
// rows and image mappings.
func (s *JobService) Delete(ctx context.Context, jobUUID string) error {
	s.logger.Debug("Deleting job", "job_uuid", jobUUID)

	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var job store.Job
		err := store.ForUpdate(tx).First(&job, "uuid = ?", jobUUID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if _, err := s.stageAbort(tx, batch, jobUUID); err != nil {
			return err
		}

		var runUUIDs []string
		err = tx.Model(&store.PipelineRun{}).
			Where("job_uuid = ?", jobUUID).
			Pluck("uuid", &runUUIDs).Error
		if err != nil {
			return fmt.Errorf("failed to list job runs: %w", err)
		}
		if len(runUUIDs) > 0 {
			if err := tx.Where("run_uuid IN ?", runUUIDs).Delete(&store.PipelineRunStep{}).Error; err != nil {
				return fmt.Errorf("failed to delete run steps: %w", err)
			}
			if err := tx.Where("run_uuid IN ?", runUUIDs).Delete(&store.PipelineRunImageMapping{}).Error; err != nil {
				return fmt.Errorf("failed to delete run image mappings: %w", err)
			}
			if err := tx.Where("uuid IN ?", runUUIDs).Delete(&store.PipelineRun{}).Error; err != nil {
				return fmt.Errorf("failed to delete runs: %w", err)
			}
		}
		if err := tx.Delete(&store.Job{}, "uuid = ?", jobUUID).Error; err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

// JobFilter narrows List. Zero fields do not filter.
type JobFilter struct {
	ProjectUUID string
}

// List returns jobs matching the filter, newest first.
func (s *JobService) List(ctx context.Context, filter JobFilter) ([]store.Job, error) {
	query := s.store.WithContext(ctx).Model(&store.Job{})
	if filter.ProjectUUID != "" {
		query = query.Where("project_uuid = ?", filter.ProjectUUID)
	}
	var jobs []store.Job
	err := query.Order("created_time DESC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Get returns one job together with the runs it produced.
func (s *JobService) Get(ctx context.Context, jobUUID string) (*store.Job, []store.PipelineRun, error) {
	var job store.Job
	err := s.store.WithContext(ctx).First(&job, "uuid = ?", jobUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrJobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get job: %w", err)
	}
	runs, err := s.runs.List(ctx, RunFilter{JobUUID: jobUUID})
	if err != nil {
		return nil, nil, err
	}
	return &job, runs, nil
}
