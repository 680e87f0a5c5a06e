// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/twophase"
)

// ProjectService is the registry of projects and their pipelines. Deleting
// a project cascades through every other controller: sessions stop, jobs
// and runs are cancelled and removed, build history and images disappear.
type ProjectService struct {
	store    *store.Store
	executor *twophase.Executor
	builds   *EnvironmentBuildService
	runs     *RunService
	jobs     *JobService
	sessions *SessionService
	images   ImageClient
	logger   *slog.Logger
}

// NewProjectService creates a new project service.
func NewProjectService(st *store.Store, executor *twophase.Executor, builds *EnvironmentBuildService, runs *RunService, jobs *JobService, sessions *SessionService, images ImageClient, logger *slog.Logger) *ProjectService {
	return &ProjectService{
		store:    st,
		executor: executor,
		builds:   builds,
		runs:     runs,
		jobs:     jobs,
		sessions: sessions,
		images:   images,
		logger:   logger,
	}
}

// CreateProject registers a project.
func (s *ProjectService) CreateProject(ctx context.Context, req models.CreateProjectRequest) (*store.Project, error) {
	s.logger.Debug("Creating project", "path", req.Path)

	project := store.Project{
		UUID:         req.UUID,
		Path:         req.Path,
		EnvVariables: store.JSONMap(req.EnvVariables),
	}
	if project.UUID == "" {
		project.UUID = uuid.NewString()
	}
	err := s.store.WithContext(ctx).Create(&project).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrProjectAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	return &project, nil
}

// ListProjects returns all projects, oldest first.
func (s *ProjectService) ListProjects(ctx context.Context) ([]store.Project, error) {
	var projects []store.Project
	err := s.store.WithContext(ctx).Order("created_time").Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// GetProject returns one project by uuid.
func (s *ProjectService) GetProject(ctx context.Context, projectUUID string) (*store.Project, error) {
	var project store.Project
	err := s.store.WithContext(ctx).First(&project, "uuid = ?", projectUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// UpdateProject replaces the project's environment variables.
func (s *ProjectService) UpdateProject(ctx context.Context, projectUUID string, envVariables map[string]any) (*store.Project, error) {
	result := s.store.WithContext(ctx).
		Model(&store.Project{}).
		Where("uuid = ?", projectUUID).
		Update("env_variables", store.JSONMap(envVariables))
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrProjectNotFound
	}
	return s.GetProject(ctx, projectUUID)
}

// DeleteProject tears the project down completely. Sessions stop and jobs
// are cancelled and removed through their own controllers first; the final
// batch then drops runs, build history, pipelines and the project row, and
// removes the project's images once that committed.
func (s *ProjectService) DeleteProject(ctx context.Context, projectUUID string) error {
	s.logger.Debug("Deleting project", "project_uuid", projectUUID)

	if _, err := s.GetProject(ctx, projectUUID); err != nil {
		return err
	}

	sessions, err := s.sessions.List(ctx, projectUUID)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		err := s.sessions.Stop(ctx, session.ProjectUUID, session.PipelineUUID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}

	jobs, err := s.jobs.List(ctx, JobFilter{ProjectUUID: projectUUID})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		err := s.jobs.Delete(ctx, job.UUID)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return err
		}
	}

	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		var runs []store.PipelineRun
		err := store.ForUpdate(tx).
			Where("project_uuid = ?", projectUUID).
			Find(&runs).Error
		if err != nil {
			return fmt.Errorf("failed to load project runs: %w", err)
		}
		runUUIDs := make([]string, 0, len(runs))
		for _, run := range runs {
			if _, err := s.runs.stageAbort(tx, batch, run.UUID); err != nil {
				return err
			}
			runUUIDs = append(runUUIDs, run.UUID)
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

		if err := s.builds.DeleteForProject(tx, batch, projectUUID); err != nil {
			return err
		}

		if err := tx.Where("project_uuid = ?", projectUUID).Delete(&store.Pipeline{}).Error; err != nil {
			return fmt.Errorf("failed to delete pipelines: %w", err)
		}
		if err := tx.Delete(&store.Project{}, "uuid = ?", projectUUID).Error; err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}

		batch.Add(twophase.Operation{
			Name: "remove-project-images",
			Collateral: func(ctx context.Context) error {
				return s.removeProjectImages(ctx, projectUUID)
			},
		})
		return nil
	})
}

// removeProjectImages force-removes every image labeled as belonging to
// the project.
func (s *ProjectService) removeProjectImages(ctx context.Context, projectUUID string) error {
	images, err := s.images.ListImages(ctx, map[string]string{
		labels.LabelKeyProjectUUID: projectUUID,
	})
	if err != nil {
		return fmt.Errorf("failed to list project images: %w", err)
	}
	var errs []error
	for _, img := range images {
		if err := s.images.RemoveImage(ctx, img.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove image %s: %w", img.ID, err))
		}
	}
	return errors.Join(errs...)
}

// CreatePipeline registers a pipeline under a project.
func (s *ProjectService) CreatePipeline(ctx context.Context, projectUUID string, req models.CreatePipelineRequest) (*store.Pipeline, error) {
	s.logger.Debug("Creating pipeline", "project_uuid", projectUUID, "path", req.Path)

	if _, err := s.GetProject(ctx, projectUUID); err != nil {
		return nil, err
	}
	pipeline := store.Pipeline{
		ProjectUUID:  projectUUID,
		UUID:         req.UUID,
		Path:         req.Path,
		EnvVariables: store.JSONMap(req.EnvVariables),
	}
	err := s.store.WithContext(ctx).Create(&pipeline).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrPipelineAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert pipeline: %w", err)
	}
	return &pipeline, nil
}

// ListPipelines returns the project's pipelines.
func (s *ProjectService) ListPipelines(ctx context.Context, projectUUID string) ([]store.Pipeline, error) {
	if _, err := s.GetProject(ctx, projectUUID); err != nil {
		return nil, err
	}
	var pipelines []store.Pipeline
	err := s.store.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("path").
		Find(&pipelines).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return pipelines, nil
}

// GetPipeline returns one pipeline of a project.
func (s *ProjectService) GetPipeline(ctx context.Context, projectUUID, pipelineUUID string) (*store.Pipeline, error) {
	var pipeline store.Pipeline
	err := s.store.WithContext(ctx).
		First(&pipeline, "project_uuid = ? AND uuid = ?", projectUUID, pipelineUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return &pipeline, nil
}

// UpdatePipeline replaces the pipeline's environment variables.
func (s *ProjectService) UpdatePipeline(ctx context.Context, projectUUID, pipelineUUID string, envVariables map[string]any) (*store.Pipeline, error) {
	result := s.store.WithContext(ctx).
		Model(&store.Pipeline{}).
		Where("project_uuid = ? AND uuid = ?", projectUUID, pipelineUUID).
		Update("env_variables", store.JSONMap(envVariables))
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update pipeline: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrPipelineNotFound
	}
	return s.GetPipeline(ctx, projectUUID, pipelineUUID)
}

// DeletePipeline stops the pipeline's session, removes its interactive
// runs and drops the registry row.
func (s *ProjectService) DeletePipeline(ctx context.Context, projectUUID, pipelineUUID string) error {
	s.logger.Debug("Deleting pipeline",
		"project_uuid", projectUUID, "pipeline_uuid", pipelineUUID)

	if _, err := s.GetPipeline(ctx, projectUUID, pipelineUUID); err != nil {
		return err
	}
	err := s.sessions.Stop(ctx, projectUUID, pipelineUUID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	return s.executor.Run(ctx, func(tx *gorm.DB, batch *twophase.Batch) error {
		if err := s.runs.AbortAndDeleteForPipeline(tx, batch, projectUUID, pipelineUUID); err != nil {
			return err
		}
		err := tx.
			Where("project_uuid = ? AND uuid = ?", projectUUID, pipelineUUID).
			Delete(&store.Pipeline{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete pipeline: %w", err)
		}
		return nil
	})
}
