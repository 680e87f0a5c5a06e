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
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
	"github.com/orchest/orchest/internal/twophase"
)

// JupyterBuildService manages builds of the user-configured Jupyter server
// image. There is one logical build slot: a new request aborts whatever
// non-terminal build occupies it. Builds are refused while any interactive
// session is up, since the running servers hold the image the build would
// replace.
type JupyterBuildService struct {
	store    *store.Store
	executor *twophase.Executor
	bus      *taskbus.Bus
	images   ImageClient
	logger   *slog.Logger
}

// NewJupyterBuildService creates a new Jupyter build service.
func NewJupyterBuildService(st *store.Store, executor *twophase.Executor, bus *taskbus.Bus, images ImageClient, logger *slog.Logger) *JupyterBuildService {
	return &JupyterBuildService{
		store:    st,
		executor: executor,
		bus:      bus,
		images:   images,
		logger:   logger,
	}
}

// Create requests a Jupyter image build. Returns ErrSessionInProgress when
// an interactive session exists in any non-stopped state.
func (s *JupyterBuildService) Create(ctx context.Context) (*store.JupyterBuild, error) {
	s.logger.Debug("Creating Jupyter build")

	build := store.JupyterBuild{
		UUID:          uuid.NewString(),
		RequestedTime: time.Now().UTC(),
		Status:        store.StatusPending,
	}

	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var sessions int64
		err := tx.Model(&store.InteractiveSession{}).
			Where("status <> ?", store.SessionStopped).
			Count(&sessions).Error
		if err != nil {
			return fmt.Errorf("failed to count sessions: %w", err)
		}
		if sessions > 0 {
			return ErrSessionInProgress
		}

		var active []store.JupyterBuild
		err = store.ForUpdate(tx).
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
			Name: "enqueue-jupyter-build",
			Collateral: func(ctx context.Context) error {
				return s.bus.Enqueue(ctx, taskbus.Spec{
					UUID:    build.UUID,
					Name:    taskbus.TaskBuildJupyter,
					Payload: map[string]any{},
				})
			},
			Revert: func(ctx context.Context) error {
				_, err := store.UpdateStatus(s.store.WithContext(ctx), &store.JupyterBuild{},
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
// whether it did.
func (s *JupyterBuildService) Abort(ctx context.Context, buildUUID string) (bool, error) {
	s.logger.Debug("Aborting Jupyter build", "build_uuid", buildUUID)

	var aborted bool
	err := s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		changed, err := store.UpdateStatus(tx, &store.JupyterBuild{},
			map[string]any{"uuid": buildUUID},
			store.StatusUpdate{Status: store.StatusAborted})
		if err != nil {
			return fmt.Errorf("failed to abort build: %w", err)
		}
		aborted = changed
		if changed {
			s.stageCancel(batch, buildUUID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return aborted, nil
}

// stageAbort aborts one build row inside tx and stages its side effects.
func (s *JupyterBuildService) stageAbort(tx *gorm.DB, batch *twophase.Batch, buildUUID string) error {
	changed, err := store.UpdateStatus(tx, &store.JupyterBuild{},
		map[string]any{"uuid": buildUUID},
		store.StatusUpdate{Status: store.StatusAborted})
	if err != nil {
		return fmt.Errorf("failed to abort superseded build %s: %w", buildUUID, err)
	}
	if changed {
		s.stageCancel(batch, buildUUID)
	}
	return nil
}

// stageCancel stages the task cancellation pair plus removal of any image
// the aborted build already published.
func (s *JupyterBuildService) stageCancel(batch *twophase.Batch, taskUUID string) {
	batch.Add(twophase.Operation{
		Name: "cancel-jupyter-build-task",
		Collateral: func(ctx context.Context) error {
			if _, err := s.bus.Revoke(ctx, taskUUID); err != nil {
				return err
			}
			return s.bus.RequestAbort(ctx, taskUUID)
		},
	})
	batch.Add(twophase.Operation{
		Name: "remove-jupyter-build-images",
		Collateral: func(ctx context.Context) error {
			images, err := s.images.ListImages(ctx, map[string]string{
				labels.LabelKeyJupyterBuildTaskUUID: taskUUID,
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
func (s *JupyterBuildService) Get(ctx context.Context, buildUUID string) (*store.JupyterBuild, error) {
	var build store.JupyterBuild
	err := s.store.WithContext(ctx).First(&build, "uuid = ?", buildUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJupyterBuildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return &build, nil
}

// MostRecent returns the latest requested build, or an empty slice when
// none was ever requested.
func (s *JupyterBuildService) MostRecent(ctx context.Context) ([]store.JupyterBuild, error) {
	var builds []store.JupyterBuild
	err := s.store.WithContext(ctx).
		Order("requested_time DESC").
		Limit(1).
		Find(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query most recent build: %w", err)
	}
	return builds, nil
}

// UpdateStatus applies a worker status callback to the build.
func (s *JupyterBuildService) UpdateStatus(ctx context.Context, buildUUID string, update store.StatusUpdate) (bool, error) {
	changed, err := store.UpdateStatus(s.store.WithContext(ctx), &store.JupyterBuild{},
		map[string]any{"uuid": buildUUID}, update)
	if err != nil {
		return false, fmt.Errorf("failed to update build status: %w", err)
	}
	return changed, nil
}
