// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/pipeline"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/twophase"
)

// gcAttempts and gcDelay bound the dangling-image sweep's retries. Step
// containers tear down shortly after their run finishes; retrying rides out
// that window instead of failing the sweep.
const (
	gcAttempts = 10
	gcDelay    = time.Second
)

// EnvironmentImageService removes environment images safely: deletion must
// first neutralize everything that could still use the image, and garbage
// collection must honor the image locks of unfinished runs.
type EnvironmentImageService struct {
	store    *store.Store
	executor *twophase.Executor
	images   ImageClient
	runs     *RunService
	jobs     *JobService
	builds   *EnvironmentBuildService
	logger   *slog.Logger
}

// NewEnvironmentImageService creates a new environment image service.
func NewEnvironmentImageService(st *store.Store, executor *twophase.Executor, images ImageClient, runs *RunService, jobs *JobService, builds *EnvironmentBuildService, logger *slog.Logger) *EnvironmentImageService {
	return &EnvironmentImageService{
		store:    st,
		executor: executor,
		images:   images,
		runs:     runs,
		jobs:     jobs,
		builds:   builds,
		logger:   logger,
	}
}

// Delete removes the environment's images and everything that depends on
// them: unfinished runs pinned to the environment are aborted, jobs whose
// pipeline references it are cancelled, and its build history is dropped.
// The image removal itself happens only after all of that committed.
func (s *EnvironmentImageService) Delete(ctx context.Context, projectUUID, environmentUUID string) error {
	s.logger.Debug("Deleting environment images",
		"project_uuid", projectUUID, "environment_uuid", environmentUUID)

	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		runUUIDs, err := s.activeRunsUsingEnvironment(tx, projectUUID, environmentUUID)
		if err != nil {
			return err
		}
		for _, runUUID := range runUUIDs {
			if _, err := s.runs.stageAbort(tx, batch, runUUID); err != nil {
				return err
			}
		}

		jobUUIDs, err := s.activeJobsUsingEnvironment(tx, projectUUID, environmentUUID)
		if err != nil {
			return err
		}
		for _, jobUUID := range jobUUIDs {
			if _, err := s.jobs.stageAbort(tx, batch, jobUUID); err != nil {
				return err
			}
		}

		if err := s.builds.stageDeleteForEnvironment(tx, batch, projectUUID, environmentUUID); err != nil {
			return err
		}

		batch.Add(twophase.Operation{
			Name: "remove-environment-images",
			Collateral: func(ctx context.Context) error {
				return s.removeEnvironmentImages(ctx, projectUUID, environmentUUID)
			},
		})
		return nil
	})
}

// activeRunsUsingEnvironment finds unfinished runs pinned to the
// environment through their image mapping rows.
func (s *EnvironmentImageService) activeRunsUsingEnvironment(tx *gorm.DB, projectUUID, environmentUUID string) ([]string, error) {
	var runUUIDs []string
	err := tx.Model(&store.PipelineRun{}).
		Joins("JOIN pipeline_run_image_mappings ON pipeline_run_image_mappings.run_uuid = pipeline_runs.uuid").
		Where("pipeline_run_image_mappings.orchest_environment_uuid = ?", environmentUUID).
		Where("pipeline_runs.project_uuid = ?", projectUUID).
		Where("pipeline_runs.status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
		Distinct().
		Pluck("pipeline_runs.uuid", &runUUIDs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query runs using environment: %w", err)
	}
	return runUUIDs, nil
}

// activeJobsUsingEnvironment finds unfinished jobs whose pipeline snapshot
// references the environment. The reference sits inside the definition
// document, so each candidate is parsed and inspected.
func (s *EnvironmentImageService) activeJobsUsingEnvironment(tx *gorm.DB, projectUUID, environmentUUID string) ([]string, error) {
	var jobs []store.Job
	err := tx.
		Where("project_uuid = ?", projectUUID).
		Where("status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	var jobUUIDs []string
	for _, job := range jobs {
		def, err := pipeline.FromMap(map[string]any(job.PipelineDefinition))
		if err != nil {
			s.logger.Warn("Skipping job with unparseable pipeline definition",
				"job_uuid", job.UUID, "error", err)
			continue
		}
		for _, envUUID := range def.EnvironmentUUIDs() {
			if envUUID == environmentUUID {
				jobUUIDs = append(jobUUIDs, job.UUID)
				break
			}
		}
	}
	return jobUUIDs, nil
}

// removeEnvironmentImages force-removes every image the environment's
// builds published, current and replaced alike, found by owner labels.
func (s *EnvironmentImageService) removeEnvironmentImages(ctx context.Context, projectUUID, environmentUUID string) error {
	images, err := s.images.ListImages(ctx, map[string]string{
		labels.LabelKeyProjectUUID:     projectUUID,
		labels.LabelKeyEnvironmentUUID: environmentUUID,
	})
	if err != nil {
		return fmt.Errorf("failed to list environment images: %w", err)
	}
	var errs []error
	for _, img := range images {
		if err := s.images.RemoveImage(ctx, img.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove image %s: %w", img.ID, err))
			continue
		}
		metrics.ImageRemoved()
	}
	return errors.Join(errs...)
}

// InUse reports whether anything unfinished still depends on the
// environment: a run pinned to it or a job that references it.
func (s *EnvironmentImageService) InUse(ctx context.Context, projectUUID, environmentUUID string) (bool, error) {
	db := s.store.WithContext(ctx)
	runUUIDs, err := s.activeRunsUsingEnvironment(db, projectUUID, environmentUUID)
	if err != nil {
		return false, err
	}
	if len(runUUIDs) > 0 {
		return true, nil
	}
	jobUUIDs, err := s.activeJobsUsingEnvironment(db, projectUUID, environmentUUID)
	if err != nil {
		return false, err
	}
	return len(jobUUIDs) > 0, nil
}

// RemoveDangling garbage-collects the project's replaced environment
// images: final images that lost their name to a newer build and are not
// locked by any unfinished run.
func (s *EnvironmentImageService) RemoveDangling(ctx context.Context, projectUUID string) error {
	return s.retrySweep(ctx, map[string]string{
		labels.LabelKeyBuildIsIntermediate: labels.LabelValueFinal,
		labels.LabelKeyProjectUUID:         projectUUID,
	})
}

// RemoveDanglingForEnvironment narrows the sweep to one environment.
// Exposed as the opportunistic GC trigger endpoint.
func (s *EnvironmentImageService) RemoveDanglingForEnvironment(ctx context.Context, projectUUID, environmentUUID string) error {
	return s.retrySweep(ctx, map[string]string{
		labels.LabelKeyBuildIsIntermediate: labels.LabelValueFinal,
		labels.LabelKeyProjectUUID:         projectUUID,
		labels.LabelKeyEnvironmentUUID:     environmentUUID,
	})
}

// RemoveDanglingAll sweeps every project. Registered as the recurring
// image garbage collection job.
func (s *EnvironmentImageService) RemoveDanglingAll(ctx context.Context) error {
	return s.retrySweep(ctx, map[string]string{
		labels.LabelKeyBuildIsIntermediate: labels.LabelValueFinal,
	})
}

// retrySweep runs a sweep under bounded retry to ride out step containers
// that are still tearing down and briefly pin their images.
func (s *EnvironmentImageService) retrySweep(ctx context.Context, labelFilters map[string]string) error {
	return retry.Do(
		func() error {
			return s.sweep(ctx, labelFilters)
		},
		retry.Attempts(gcAttempts),
		retry.Delay(gcDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// sweep removes every dangling image matching the label filter.
func (s *EnvironmentImageService) sweep(ctx context.Context, labelFilters map[string]string) error {
	images, err := s.images.ListImages(ctx, labelFilters)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	var errs []error
	for _, img := range images {
		if len(img.RepoTags) > 0 {
			continue
		}
		locked, err := s.imageLocked(ctx, img.ID)
		if err != nil {
			return err
		}
		if locked {
			continue
		}
		if err := s.images.RemoveImage(ctx, img.ID, false); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove image %s: %w", img.ID, err))
			continue
		}
		s.logger.Debug("Removed dangling image", "image_id", img.ID)
		metrics.ImageRemoved()
	}
	return errors.Join(errs...)
}

// imageLocked reports whether an unfinished run holds a mapping row pinning
// the image id.
func (s *EnvironmentImageService) imageLocked(ctx context.Context, imageID string) (bool, error) {
	var count int64
	err := s.store.WithContext(ctx).
		Model(&store.PipelineRunImageMapping{}).
		Joins("JOIN pipeline_runs ON pipeline_runs.uuid = pipeline_run_image_mappings.run_uuid").
		Where("pipeline_run_image_mappings.docker_img_id = ?", imageID).
		Where("pipeline_runs.status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check image locks: %w", err)
	}
	return count > 0, nil
}
