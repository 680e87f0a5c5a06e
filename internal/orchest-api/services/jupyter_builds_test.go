// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
)

func TestCreateJupyterBuildEnqueuesTask(t *testing.T) {
	svcs, st, _ := newTestServices(t)
	ctx := context.Background()

	build, err := svcs.JupyterBuilds.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, build.Status)

	task := taskByUUID(t, st, build.UUID)
	require.NotNil(t, task)
	assert.Equal(t, taskbus.TaskBuildJupyter, task.Name)
}

func TestJupyterBuildBlockedByActiveSession(t *testing.T) {
	svcs, st, _ := newTestServices(t)
	ctx := context.Background()

	session := store.InteractiveSession{
		ProjectUUID:  "project-1",
		PipelineUUID: "pipeline-1",
		Status:       store.SessionRunning,
	}
	require.NoError(t, st.DB().Create(&session).Error)

	_, err := svcs.JupyterBuilds.Create(ctx)
	assert.ErrorIs(t, err, ErrSessionInProgress)

	var count int64
	require.NoError(t, st.DB().Model(&store.JupyterBuild{}).Count(&count).Error)
	assert.Zero(t, count, "the refused build must leave no row behind")
}

func TestJupyterBuildSupersedesActiveOne(t *testing.T) {
	svcs, st, _ := newTestServices(t)
	ctx := context.Background()

	first, err := svcs.JupyterBuilds.Create(ctx)
	require.NoError(t, err)
	second, err := svcs.JupyterBuilds.Create(ctx)
	require.NoError(t, err)

	old, err := svcs.JupyterBuilds.Get(ctx, first.UUID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAborted, old.Status)

	current, err := svcs.JupyterBuilds.Get(ctx, second.UUID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, current.Status)

	oldTask := taskByUUID(t, st, first.UUID)
	require.NotNil(t, oldTask)
	assert.True(t, oldTask.Revoked)
	assert.True(t, oldTask.Aborted)
}

func TestJupyterBuildAbortAndMostRecent(t *testing.T) {
	svcs, _, _ := newTestServices(t)
	ctx := context.Background()

	build, err := svcs.JupyterBuilds.Create(ctx)
	require.NoError(t, err)

	aborted, err := svcs.JupyterBuilds.Abort(ctx, build.UUID)
	require.NoError(t, err)
	assert.True(t, aborted)

	aborted, err = svcs.JupyterBuilds.Abort(ctx, build.UUID)
	require.NoError(t, err)
	assert.False(t, aborted)

	recent, err := svcs.JupyterBuilds.MostRecent(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, build.UUID, recent[0].UUID)
	assert.Equal(t, store.StatusAborted, recent[0].Status)
}
