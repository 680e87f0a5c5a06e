// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/orchest/internal/orchest-api/models"
	"github.com/orchest/orchest/internal/store"
)

func TestProjectCRUD(t *testing.T) {
	svcs, _, _ := newTestServices(t)
	ctx := context.Background()

	project, err := svcs.Projects.CreateProject(ctx, models.CreateProjectRequest{
		UUID: "project-1",
		Path: "my-project",
	})
	require.NoError(t, err)
	assert.Equal(t, "project-1", project.UUID)

	_, err = svcs.Projects.CreateProject(ctx, models.CreateProjectRequest{
		UUID: "project-1",
		Path: "elsewhere",
	})
	assert.ErrorIs(t, err, ErrProjectAlreadyExists)

	got, err := svcs.Projects.GetProject(ctx, "project-1")
	require.NoError(t, err)
	assert.Equal(t, "my-project", got.Path)

	updated, err := svcs.Projects.UpdateProject(ctx, "project-1", map[string]any{"KEY": "value"})
	require.NoError(t, err)
	assert.Equal(t, "value", updated.EnvVariables["KEY"])

	_, err = svcs.Projects.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	all, err := svcs.Projects.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPipelineCRUD(t *testing.T) {
	svcs, _, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svcs.Projects.CreateProject(ctx, models.CreateProjectRequest{
		UUID: "project-1", Path: "my-project",
	})
	require.NoError(t, err)

	_, err = svcs.Projects.CreatePipeline(ctx, "missing", models.CreatePipelineRequest{
		UUID: "pipeline-1", Path: "pipeline.orchest",
	})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	created, err := svcs.Projects.CreatePipeline(ctx, "project-1", models.CreatePipelineRequest{
		UUID: "pipeline-1", Path: "pipeline.orchest",
	})
	require.NoError(t, err)
	assert.Equal(t, "project-1", created.ProjectUUID)

	_, err = svcs.Projects.CreatePipeline(ctx, "project-1", models.CreatePipelineRequest{
		UUID: "pipeline-1", Path: "pipeline.orchest",
	})
	assert.ErrorIs(t, err, ErrPipelineAlreadyExists)

	pipelines, err := svcs.Projects.ListPipelines(ctx, "project-1")
	require.NoError(t, err)
	assert.Len(t, pipelines, 1)

	updated, err := svcs.Projects.UpdatePipeline(ctx, "project-1", "pipeline-1",
		map[string]any{"DEBUG": "1"})
	require.NoError(t, err)
	assert.Equal(t, "1", updated.EnvVariables["DEBUG"])

	require.NoError(t, svcs.Projects.DeletePipeline(ctx, "project-1", "pipeline-1"))
	_, err = svcs.Projects.GetPipeline(ctx, "project-1", "pipeline-1")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestDeleteProjectCascades(t *testing.T) {
	svcs, st, fake := newTestServices(t)
	ctx := context.Background()
	addEnvironmentImage(fake, "project-1", "env-1", "sha256:env1")

	_, err := svcs.Projects.CreateProject(ctx, models.CreateProjectRequest{
		UUID: "project-1", Path: "my-project",
	})
	require.NoError(t, err)
	_, err = svcs.Projects.CreatePipeline(ctx, "project-1", models.CreatePipelineRequest{
		UUID: "pipeline-1", Path: "pipeline.orchest",
	})
	require.NoError(t, err)

	_, err = svcs.Sessions.Launch(ctx, sessionRequest())
	require.NoError(t, err)

	_, err = svcs.Runs.Create(ctx, runRequest("pipeline-1"))
	require.NoError(t, err)

	job, err := svcs.Jobs.Create(ctx, jobRequest("pipeline-1", nil))
	require.NoError(t, err)
	confirmJob(t, svcs, job.UUID)
	require.NoError(t, svcs.Jobs.ProcessJobs(ctx))

	_, failed := svcs.EnvironmentBuilds.CreateBatch(ctx, []models.EnvironmentBuildRequest{
		buildRequest("env-1"),
	})
	require.Empty(t, failed)

	require.NoError(t, svcs.Projects.DeleteProject(ctx, "project-1"))

	_, err = svcs.Projects.GetProject(ctx, "project-1")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	tables := map[string]any{
		"pipelines": &store.Pipeline{},
		"sessions":  &store.InteractiveSession{},
		"runs":      &store.PipelineRun{},
		"steps":     &store.PipelineRunStep{},
		"mappings":  &store.PipelineRunImageMapping{},
		"jobs":      &store.Job{},
		"builds":    &store.EnvironmentBuild{},
	}
	for name, model := range tables {
		var count int64
		require.NoError(t, st.DB().Model(model).Count(&count).Error)
		assert.Zerof(t, count, "%s must be empty after project delete", name)
	}

	assert.Contains(t, fake.removedImages, "sha256:env1",
		"project images are removed with the project")

	err = svcs.Projects.DeleteProject(ctx, "project-1")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
