// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package taskbus

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/orchest/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "orchest.db"),
	})
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())
	t.Cleanup(func() { _ = st.Close() })
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func TestClaimReturnsOldestFirst(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, Spec{UUID: "task-1", Name: TaskBuildEnvironment}))
	require.NoError(t, bus.Enqueue(ctx, Spec{UUID: "task-2", Name: TaskBuildEnvironment}))

	first, err := bus.Claim(ctx, []string{TaskBuildEnvironment})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "task-1", first.UUID)
	assert.Equal(t, store.StatusStarted, first.Status)
	assert.NotNil(t, first.StartedTime)

	second, err := bus.Claim(ctx, []string{TaskBuildEnvironment})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "task-2", second.UUID)

	third, err := bus.Claim(ctx, []string{TaskBuildEnvironment})
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestClaimFiltersByName(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, Spec{UUID: "task-1", Name: TaskBuildEnvironment}))

	task, err := bus.Claim(ctx, []string{TaskRunPipeline})
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = bus.Claim(ctx, []string{TaskRunPipeline, TaskBuildEnvironment})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-1", task.UUID)
}

func TestRevokeOnlyCoversQueuedTasks(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, Spec{UUID: "task-1", Name: TaskBuildJupyter}))

	revoked, err := bus.Revoke(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	task, err := bus.Claim(ctx, []string{TaskBuildJupyter})
	require.NoError(t, err)
	assert.Nil(t, task, "revoked task must not be claimed")

	require.NoError(t, bus.Enqueue(ctx, Spec{UUID: "task-2", Name: TaskBuildJupyter}))
	claimed, err := bus.Claim(ctx, []string{TaskBuildJupyter})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	revoked, err = bus.Revoke(ctx, "task-2")
	require.NoError(t, err)
	assert.False(t, revoked, "a started task is out of revoke's reach")
}

func TestRequestAbortIsVisibleToPolling(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, Spec{
		UUID:    "task-1",
		Name:    TaskRunPipeline,
		Payload: map[string]any{"run_uuid": "run-1"},
	}))

	aborted, err := bus.IsAborted(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, aborted)

	require.NoError(t, bus.RequestAbort(ctx, "task-1"))

	aborted, err = bus.IsAborted(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, aborted)

	// Unknown tasks surface the lookup error.
	_, err = bus.IsAborted(ctx, "missing")
	assert.Error(t, err)
}

func TestFinishIsWriteOnce(t *testing.T) {
	bus, st := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Enqueue(ctx, Spec{UUID: "task-1", Name: TaskRunPipeline}))
	claimed, err := bus.Claim(ctx, []string{TaskRunPipeline})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, bus.Finish(ctx, "task-1", store.StatusSuccess))
	require.NoError(t, bus.Finish(ctx, "task-1", store.StatusFailure))

	var task store.Task
	require.NoError(t, st.DB().First(&task, "uuid = ?", "task-1").Error)
	assert.Equal(t, store.StatusSuccess, task.Status)
	assert.NotNil(t, task.FinishedTime)
}
