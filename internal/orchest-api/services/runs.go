// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/imagelock"
	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/pipeline"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
	"github.com/orchest/orchest/internal/twophase"
)

// stopTimeoutSeconds is how long a step container gets to exit on its own
// before the daemon kills it.
const stopTimeoutSeconds = 2

// RunService manages pipeline runs: one execution of a pipeline's step
// graph, pinned to concrete image ids for its whole duration.
type RunService struct {
	store      *store.Store
	executor   *twophase.Executor
	bus        *taskbus.Bus
	locker     *imagelock.Locker
	containers ContainerClient
	logger     *slog.Logger
}

// NewRunService creates a new run service.
func NewRunService(st *store.Store, executor *twophase.Executor, bus *taskbus.Bus, locker *imagelock.Locker, containers ContainerClient, logger *slog.Logger) *RunService {
	return &RunService{
		store:      st,
		executor:   executor,
		bus:        bus,
		locker:     locker,
		containers: containers,
		logger:     logger,
	}
}

// RunSpec describes a run to stage: the full pipeline definition, the steps
// this run covers, and the ownership and parameter snapshot for the run row.
type RunSpec struct {
	ProjectUUID    string
	Definition     *pipeline.Definition
	Subset         map[string]pipeline.Step
	RunConfig      map[string]any
	Kind           store.RunKind
	JobUUID        *string
	ScheduleNumber int
	Parameters     map[string]any
}

// Create starts an interactive run of the pipeline described by req.
// The run and step rows commit first; image locking and the task enqueue
// happen as a collateral, so the lock finds the run row in place. A lock
// failure is returned to the caller while the run row survives as FAILURE.
func (s *RunService) Create(ctx context.Context, req models.CreateRunRequest) (*store.PipelineRun, error) {
	s.logger.Debug("Creating pipeline run", "project_uuid", req.ProjectUUID)

	def, err := pipeline.FromMap(req.PipelineDefinition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	subset, err := def.Subset(pipeline.RunType(req.RunType), req.UUIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}

	var run *store.PipelineRun
	err = s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var stageErr error
		run, stageErr = s.StageRun(tx, batch, RunSpec{
			ProjectUUID: req.ProjectUUID,
			Definition:  def,
			Subset:      subset,
			RunConfig:   req.RunConfig,
			Kind:        store.RunKindInteractive,
			Parameters:  def.Parameters,
		})
		return stageErr
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// StageRun inserts the run and its step rows into tx and stages the
// lock-and-enqueue collateral. Locking and enqueueing share one operation:
// a failed lock must keep the task off the queue, and its revert marks the
// committed run FAILURE and drops any mapping rows the lock got as far as
// committing. The job scheduler stages several runs into a single batch
// this way.
func (s *RunService) StageRun(tx *gorm.DB, batch *twophase.Batch, spec RunSpec) (*store.PipelineRun, error) {
	run := store.PipelineRun{
		UUID:               uuid.NewString(),
		ProjectUUID:        spec.ProjectUUID,
		PipelineUUID:       spec.Definition.UUID,
		Status:             store.StatusPending,
		Kind:               spec.Kind,
		JobUUID:            spec.JobUUID,
		JobScheduleNumber:  spec.ScheduleNumber,
		PipelineParameters: store.JSONMap(spec.Parameters),
	}
	if err := tx.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	stepUUIDs := make([]string, 0, len(spec.Subset))
	for stepUUID := range spec.Subset {
		stepUUIDs = append(stepUUIDs, stepUUID)
	}
	sort.Strings(stepUUIDs)
	steps := make([]store.PipelineRunStep, 0, len(stepUUIDs))
	for _, stepUUID := range stepUUIDs {
		steps = append(steps, store.PipelineRunStep{
			RunUUID:  run.UUID,
			StepUUID: stepUUID,
			Status:   store.StatusPending,
		})
	}
	if len(steps) > 0 {
		if err := tx.Create(&steps).Error; err != nil {
			return nil, fmt.Errorf("failed to insert run steps: %w", err)
		}
	}
	run.Steps = steps

	defPayload, err := definitionPayload(spec.Definition, spec.Subset)
	if err != nil {
		return nil, err
	}
	envUUIDs := environmentUUIDs(spec.Definition, spec.Subset)

	batch.Add(twophase.Operation{
		Name: "lock-and-enqueue-run",
		Collateral: func(ctx context.Context) error {
			mappings, err := s.locker.Lock(ctx, run.UUID, spec.ProjectUUID, envUUIDs)
			if err != nil {
				return fmt.Errorf("failed to lock images for run %s: %w", run.UUID, err)
			}
			imageMappings := make(map[string]any, len(mappings))
			for envUUID, imageID := range mappings {
				imageMappings[envUUID] = imageID
			}
			return s.bus.Enqueue(ctx, taskbus.Spec{
				UUID: run.UUID,
				Name: taskbus.TaskRunPipeline,
				Payload: map[string]any{
					"project_uuid":        spec.ProjectUUID,
					"pipeline_definition": defPayload,
					"image_mappings":      imageMappings,
					"run_config":          spec.RunConfig,
				},
			})
		},
		Revert: func(ctx context.Context) error {
			db := s.store.WithContext(ctx)
			// A lock that failed mid-convergence may have committed
			// mapping rows already; a FAILURE run never runs, so they
			// would lock images for nothing.
			if err := db.Where("run_uuid = ?", run.UUID).
				Delete(&store.PipelineRunImageMapping{}).Error; err != nil {
				return fmt.Errorf("failed to delete image mappings: %w", err)
			}
			if _, err := store.UpdateStatus(db, &store.PipelineRun{},
				map[string]any{"uuid": run.UUID},
				store.StatusUpdate{Status: store.StatusFailure}); err != nil {
				return err
			}
			_, err := store.UpdateStatus(db, &store.PipelineRunStep{},
				map[string]any{"run_uuid": run.UUID},
				store.StatusUpdate{Status: store.StatusFailure})
			return err
		},
	})
	return &run, nil
}

// definitionPayload serializes the definition, narrowed to the subset, the
// way the run worker consumes it.
func definitionPayload(def *pipeline.Definition, subset map[string]pipeline.Step) (map[string]any, error) {
	trimmed := *def
	trimmed.Steps = subset
	raw, err := json.Marshal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline definition: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline definition: %w", err)
	}
	return payload, nil
}

// environmentUUIDs is the set of environments the run needs images for.
func environmentUUIDs(def *pipeline.Definition, subset map[string]pipeline.Step) []string {
	trimmed := *def
	trimmed.Steps = subset
	return trimmed.EnvironmentUUIDs()
}

// Abort moves the run and its unfinished steps to ABORTED and reports
// whether the run changed. The collateral cancels the task both ways and
// stops any step containers already running; their late failure callbacks
// bounce off the terminal status.
func (s *RunService) Abort(ctx context.Context, runUUID string) (bool, error) {
	s.logger.Debug("Aborting pipeline run", "run_uuid", runUUID)

	var aborted bool
	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		changed, err := s.stageAbort(tx, batch, runUUID)
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

// stageAbort aborts one run inside tx and stages its side effects. Reports
// whether the run row changed.
func (s *RunService) stageAbort(tx *gorm.DB, batch *twophase.Batch, runUUID string) (bool, error) {
	changed, err := store.UpdateStatus(tx, &store.PipelineRun{},
		map[string]any{"uuid": runUUID},
		store.StatusUpdate{Status: store.StatusAborted})
	if err != nil {
		return false, fmt.Errorf("failed to abort run: %w", err)
	}
	if !changed {
		return false, nil
	}
	if _, err := store.UpdateStatus(tx, &store.PipelineRunStep{},
		map[string]any{"run_uuid": runUUID},
		store.StatusUpdate{Status: store.StatusAborted}); err != nil {
		return false, fmt.Errorf("failed to abort run steps: %w", err)
	}

	batch.Add(twophase.Operation{
		Name: "cancel-run-task",
		Collateral: func(ctx context.Context) error {
			if _, err := s.bus.Revoke(ctx, runUUID); err != nil {
				return err
			}
			return s.bus.RequestAbort(ctx, runUUID)
		},
	})
	batch.Add(twophase.Operation{
		Name: "stop-run-containers",
		Collateral: func(ctx context.Context) error {
			return s.stopRunContainers(ctx, runUUID)
		},
	})
	return true, nil
}

// stopRunContainers stops every container carrying the run's label.
func (s *RunService) stopRunContainers(ctx context.Context, runUUID string) error {
	containers, err := s.containers.ListContainers(ctx, map[string]string{
		labels.LabelKeyRunUUID: runUUID,
	}, false)
	if err != nil {
		return fmt.Errorf("failed to list run containers: %w", err)
	}
	var errs []error
	for _, c := range containers {
		if err := s.containers.StopContainer(ctx, c.ID, stopTimeoutSeconds); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop container %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// AbortAndDeleteForPipeline aborts and removes every interactive run of the
// pipeline, including step and image mapping rows. Runs inside the session
// stop transaction: a stopped session leaves no interactive runs behind.
func (s *RunService) AbortAndDeleteForPipeline(tx *gorm.DB, batch *twophase.Batch, projectUUID, pipelineUUID string) error {
	var runs []store.PipelineRun
	err := store.ForUpdate(tx).
		Where("project_uuid = ? AND pipeline_uuid = ? AND kind = ?",
			projectUUID, pipelineUUID, store.RunKindInteractive).
		Find(&runs).Error
	if err != nil {
		return fmt.Errorf("failed to load interactive runs: %w", err)
	}
	for _, run := range runs {
		if _, err := s.stageAbort(tx, batch, run.UUID); err != nil {
			return err
		}
	}
	runUUIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runUUIDs = append(runUUIDs, run.UUID)
	}
	if len(runUUIDs) == 0 {
		return nil
	}
	if err := tx.Where("run_uuid IN ?", runUUIDs).Delete(&store.PipelineRunStep{}).Error; err != nil {
		return fmt.Errorf("failed to delete run steps: %w", err)
	}
	if err := tx.Where("run_uuid IN ?", runUUIDs).Delete(&store.PipelineRunImageMapping{}).Error; err != nil {
		return fmt.Errorf("failed to delete run image mappings: %w", err)
	}
	if err := tx.Where("uuid IN ?", runUUIDs).Delete(&store.PipelineRun{}).Error; err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	return nil
}

// RunFilter narrows List. Zero fields do not filter.
type RunFilter struct {
	ProjectUUID  string
	PipelineUUID string
	JobUUID      string
	Kind         store.RunKind
}

// List returns runs matching the filter, steps included, oldest first.
func (s *RunService) List(ctx context.Context, filter RunFilter) ([]store.PipelineRun, error) {
	query := s.store.WithContext(ctx).Model(&store.PipelineRun{})
	if filter.ProjectUUID != "" {
		query = query.Where("project_uuid = ?", filter.ProjectUUID)
	}
	if filter.PipelineUUID != "" {
		query = query.Where("pipeline_uuid = ?", filter.PipelineUUID)
	}
	if filter.JobUUID != "" {
		query = query.Where("job_uuid = ?", filter.JobUUID)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}

	var runs []store.PipelineRun
	err := query.Preload("Steps").Order("job_schedule_number").Order("uuid").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Get returns one run with its steps.
func (s *RunService) Get(ctx context.Context, runUUID string) (*store.PipelineRun, error) {
	var run store.PipelineRun
	err := s.store.WithContext(ctx).Preload("Steps").First(&run, "uuid = ?", runUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// UpdateStatus applies a worker status callback to the run. A terminal
// callback on a job-produced run also settles the owning job, so a
// one-shot job reaches SUCCESS once its last run finishes.
func (s *RunService) UpdateStatus(ctx context.Context, runUUID string, update store.StatusUpdate) (bool, error) {
	changed, err := store.UpdateStatus(s.store.WithContext(ctx), &store.PipelineRun{},
		map[string]any{"uuid": runUUID}, update)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	if changed && update.Status.Terminal() {
		if err := s.settleJob(ctx, runUUID); err != nil {
			s.logger.Error("Failed to settle job for run", "run_uuid", runUUID, "error", err)
		}
	}
	return changed, nil
}

// settleJob moves a triggered one-shot job to SUCCESS once none of its runs
// is PENDING or STARTED anymore. Jobs with a next_scheduled_time still have
// occurrences ahead of them and are left alone; so is an ABORTED job, which
// the guarded update refuses to touch.
func (s *RunService) settleJob(ctx context.Context, runUUID string) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var run store.PipelineRun
		if err := tx.First(&run, "uuid = ?", runUUID).Error; err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}
		if run.JobUUID == nil {
			return nil
		}
		var job store.Job
		err := store.ForUpdate(tx).First(&job, "uuid = ?", *run.JobUUID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if job.NextScheduledTime != nil {
			return nil
		}
		var unfinished int64
		err = tx.Model(&store.PipelineRun{}).
			Where("job_uuid = ?", job.UUID).
			Where("status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
			Count(&unfinished).Error
		if err != nil {
			return fmt.Errorf("failed to count job runs: %w", err)
		}
		if unfinished > 0 {
			return nil
		}
		_, err = store.UpdateStatus(tx, &store.Job{},
			map[string]any{"uuid": job.UUID},
			store.StatusUpdate{Status: store.StatusSuccess})
		return err
	})
}

// UpdateStepStatus applies a worker status callback to one step of the run.
func (s *RunService) UpdateStepStatus(ctx context.Context, runUUID, stepUUID string, update store.StatusUpdate) (bool, error) {
	changed, err := store.UpdateStatus(s.store.WithContext(ctx), &store.PipelineRunStep{},
		map[string]any{"run_uuid": runUUID, "step_uuid": stepUUID}, update)
	if err != nil {
		return false, fmt.Errorf("failed to update step status: %w", err)
	}
	return changed, nil
}
