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
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
	"github.com/orchest/orchest/internal/twophase"
)

// EnvironmentBuildService manages environment image builds. An environment
// has at most one non-terminal build at a time: requesting a new build
// aborts the previous one first.
type EnvironmentBuildService struct {
	store    *store.Store
	executor *twophase.Executor
	bus      *taskbus.Bus
	images   ImageClient
	logger   *slog.Logger
}

// NewEnvironmentBuildService creates a new environment build service.
func NewEnvironmentBuildService(st *store.Store, executor *twophase.Executor, bus *taskbus.Bus, images ImageClient, logger *slog.Logger) *EnvironmentBuildService {
	return &EnvironmentBuildService{
		store:    st,
		executor: executor,
		bus:      bus,
		images:   images,
		logger:   logger,
	}
}

// CreateBatch requests one build per unique (project, environment, path)
// triple in reqs. Duplicates within the batch are collapsed to their first
// occurrence. Each request is processed independently so one failure does
// not sink the rest; failed requests are returned alongside the created
// builds.
func (s *EnvironmentBuildService) CreateBatch(ctx context.Context, reqs []models.EnvironmentBuildRequest) ([]store.EnvironmentBuild, []models.EnvironmentBuildRequest) {
	s.logger.Debug("Creating environment builds", "count", len(reqs))

	var created []store.EnvironmentBuild
	var failed []models.EnvironmentBuildRequest
	seen := map[models.EnvironmentBuildRequest]struct{}{}
	for _, req := range reqs {
		if _, dup := seen[req]; dup {
			continue
		}
		seen[req] = struct{}{}

		build, err := s.create(ctx, req)
		if err != nil {
			s.logger.Error("Failed to create environment build",
				"project_uuid", req.ProjectUUID, "environment_uuid", req.EnvironmentUUID, "error", err)
			failed = append(failed, req)
			continue
		}
		created = append(created, *build)
	}
	return created, failed
}

// create aborts any non-terminal build for the same environment and inserts
// the new one, all in one batch. The abort and enqueue side effects run only
// once the row swap is committed.
func (s *EnvironmentBuildService) create(ctx context.Context, req models.EnvironmentBuildRequest) (*store.EnvironmentBuild, error) {
	build := store.EnvironmentBuild{
		UUID:            uuid.NewString(),
		ProjectUUID:     req.ProjectUUID,
		EnvironmentUUID: req.EnvironmentUUID,
		ProjectPath:     req.ProjectPath,
		RequestedTime:   time.Now().UTC(),
		Status:          store.StatusPending,
	}

	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var active []store.EnvironmentBuild
		err := store.ForUpdate(tx).
			Where("project_uuid = ? AND environment_uuid = ? AND project_path = ?",
				req.ProjectUUID, req.EnvironmentUUID, req.ProjectPath).
			Where("status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
			Find(&active).Error
		if err != nil {
			return fmt.Errorf("failed to load active builds: %w", err)
		}
		for _, old := range active {
			if err := s.stageAbort(tx, batch, old.UUID); err != nil {
				return err
			}
		}

		if err := tx.Create(&build).Error; err != nil {
			return fmt.Errorf("failed to insert build: %w", err)
		}
		batch.Add(twophase.Operation{
			Name: "enqueue-environment-build",
			Collateral: func(ctx context.Context) error {
				return s.bus.Enqueue(ctx, taskbus.Spec{
					UUID: build.UUID,
					Name: taskbus.TaskBuildEnvironment,
					Payload: map[string]any{
						"project_uuid":     req.ProjectUUID,
						"environment_uuid": req.EnvironmentUUID,
						"project_path":     req.ProjectPath,
					},
				})
			},
			Revert: func(ctx context.Context) error {
				_, err := store.UpdateStatus(s.store.WithContext(ctx), &store.EnvironmentBuild{},
					map[string]any{"uuid": build.UUID},
					store.StatusUpdate{Status: store.StatusFailure})
				return err
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// Abort moves the build to ABORTED if it has not finished yet and reports
// whether it did. The task is revoked and flagged, and any image the build
// produced is removed.
func (s *EnvironmentBuildService) Abort(ctx context.Context, buildUUID string) (bool, error) {
	s.logger.Debug("Aborting environment build", "build_uuid", buildUUID)

	var aborted bool
	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		changed, err := store.UpdateStatus(tx, &store.EnvironmentBuild{},
			map[string]any{"uuid": buildUUID},
			store.StatusUpdate{Status: store.StatusAborted})
		if err != nil {
			return fmt.Errorf("failed to abort build: %w", err)
		}
		aborted = changed
		if changed {
			s.stageCancelTask(batch, buildUUID)
			s.stageRemoveBuildImages(batch, buildUUID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return aborted, nil
}

// stageAbort aborts one build row inside tx and stages its side effects.
// Used when a newer build supersedes it.
func (s *EnvironmentBuildService) stageAbort(tx *gorm.DB, batch *twophase.Batch, buildUUID string) error {
	changed, err := store.UpdateStatus(tx, &store.EnvironmentBuild{},
		map[string]any{"uuid": buildUUID},
		store.StatusUpdate{Status: store.StatusAborted})
	if err != nil {
		return fmt.Errorf("failed to abort superseded build %s: %w", buildUUID, err)
	}
	if changed {
		s.stageCancelTask(batch, buildUUID)
		s.stageRemoveBuildImages(batch, buildUUID)
	}
	return nil
}

// stageCancelTask stages both cancellation paths for the build's task:
// revoke in case it is still queued, abort in case it already started.
func (s *EnvironmentBuildService) stageCancelTask(batch *twophase.Batch, taskUUID string) {
	batch.Add(twophase.Operation{
		Name: "cancel-build-task",
		Collateral: func(ctx context.Context) error {
			if _, err := s.bus.Revoke(ctx, taskUUID); err != nil {
				return err
			}
			return s.bus.RequestAbort(ctx, taskUUID)
		},
	})
}

// stageRemoveBuildImages stages removal of every image the build task
// produced, found through the task uuid label the builder stamps on them.
// The worker removes its own image when it observes the abort after the
// build finished, so racing with it is fine: a missing image counts as
// removed.
func (s *EnvironmentBuildService) stageRemoveBuildImages(batch *twophase.Batch, taskUUID string) {
	batch.Add(twophase.Operation{
		Name: "remove-build-images",
		Collateral: func(ctx context.Context) error {
			images, err := s.images.ListImages(ctx, map[string]string{
				labels.LabelKeyBuildTaskUUID: taskUUID,
			})
			if err != nil {
				return fmt.Errorf("failed to list build images: %w", err)
			}
			var errs []error
			for _, img := range images {
				if err := s.images.RemoveImage(ctx, img.ID, true); err != nil {
					errs = append(errs, fmt.Errorf("failed to remove image %s: %w", img.ID, err))
				}
			}
			return errors.Join(errs...)
		},
	})
}

// Get returns one build by uuid.
func (s *EnvironmentBuildService) Get(ctx context.Context, buildUUID string) (*store.EnvironmentBuild, error) {
	var build store.EnvironmentBuild
	err := s.store.WithContext(ctx).First(&build, "uuid = ?", buildUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBuildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return &build, nil
}

// List returns all builds, newest request first.
func (s *EnvironmentBuildService) List(ctx context.Context) ([]store.EnvironmentBuild, error) {
	var builds []store.EnvironmentBuild
	err := s.store.WithContext(ctx).
		Order("requested_time DESC").
		Find(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	return builds, nil
}

// MostRecentPerProject returns, for every environment of the project that
// was ever built, the build with the latest request time.
func (s *EnvironmentBuildService) MostRecentPerProject(ctx context.Context, projectUUID string) ([]store.EnvironmentBuild, error) {
	var builds []store.EnvironmentBuild
	err := s.store.WithContext(ctx).Raw(`
		SELECT b.* FROM environment_builds b
		JOIN (
			SELECT environment_uuid, MAX(requested_time) AS latest
			FROM environment_builds
			WHERE project_uuid = ?
			GROUP BY environment_uuid
		) m ON b.environment_uuid = m.environment_uuid AND b.requested_time = m.latest
		WHERE b.project_uuid = ?`,
		projectUUID, projectUUID).
		Scan(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent builds: %w", err)
	}
	return builds, nil
}

// MostRecentForEnvironment returns the environment's latest build, or an
// empty slice when it was never built.
func (s *EnvironmentBuildService) MostRecentForEnvironment(ctx context.Context, projectUUID, environmentUUID string) ([]store.EnvironmentBuild, error) {
	var builds []store.EnvironmentBuild
	err := s.store.WithContext(ctx).
		Where("project_uuid = ? AND environment_uuid = ?", projectUUID, environmentUUID).
		Order("requested_time DESC").
		Limit(1).
		Find(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent build: %w", err)
	}
	return builds, nil
}

// UpdateStatus applies a worker status callback to the build. Updates to a
// build that already reached a terminal status report false and change
// nothing.
func (s *EnvironmentBuildService) UpdateStatus(ctx context.Context, buildUUID string, update store.StatusUpdate) (bool, error) {
	changed, err := store.UpdateStatus(s.store.WithContext(ctx), &store.EnvironmentBuild{},
		map[string]any{"uuid": buildUUID}, update)
	if err != nil {
		return false, fmt.Errorf("failed to update build status: %w", err)
	}
	return changed, nil
}

// DeleteForEnvironment aborts any non-terminal build of the environment and
// deletes all of its build history. Called when the environment itself is
// deleted.
func (s *EnvironmentBuildService) DeleteForEnvironment(ctx context.Context, projectUUID, environmentUUID string) error {
	s.logger.Debug("Deleting environment builds",
		"project_uuid", projectUUID, "environment_uuid", environmentUUID)

	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		return s.stageDeleteForEnvironment(tx, batch, projectUUID, environmentUUID)
	})
}

// stageDeleteForEnvironment performs DeleteForEnvironment inside an existing
// batch, so the environment image delete can fold it into one transaction.
func (s *EnvironmentBuildService) stageDeleteForEnvironment(tx *gorm.DB, batch *twophase.Batch, projectUUID, environmentUUID string) error {
	var active []store.EnvironmentBuild
	err := store.ForUpdate(tx).
		Where("project_uuid = ? AND environment_uuid = ?", projectUUID, environmentUUID).
		Where("status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
		Find(&active).Error
	if err != nil {
		return fmt.Errorf("failed to load active builds: %w", err)
	}
	for _, build := range active {
		if err := s.stageAbort(tx, batch, build.UUID); err != nil {
			return err
		}
	}
	err = tx.
		Where("project_uuid = ? AND environment_uuid = ?", projectUUID, environmentUUID).
		Delete(&store.EnvironmentBuild{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete builds: %w", err)
	}
	return nil
}

// DeleteForProject removes the build history of every environment of the
// project, aborting whatever is still active.
func (s *EnvironmentBuildService) DeleteForProject(tx *gorm.DB, batch *twophase.Batch, projectUUID string) error {
	var active []store.EnvironmentBuild
	err := store.ForUpdate(tx).
		Where("project_uuid = ?", projectUUID).
		Where("status IN ?", []store.Status{store.StatusPending, store.StatusStarted}).
		Find(&active).Error
	if err != nil {
		return fmt.Errorf("failed to load active builds: %w", err)
	}
	for _, build := range active {
		if err := s.stageAbort(tx, batch, build.UUID); err != nil {
			return err
		}
	}
	err = tx.Where("project_uuid = ?", projectUUID).Delete(&store.EnvironmentBuild{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete builds: %w", err)
	}
	return nil
}
