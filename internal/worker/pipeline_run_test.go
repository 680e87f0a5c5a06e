// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/pipeline"
	"github.com/orchest/orchest/internal/store"
)

// diamondPayload builds a run task payload for the graph
// step-a -> {step-b, step-c} -> step-d.
func diamondPayload(t *testing.T) store.JSONMap {
	t.Helper()
	def := pipeline.Definition{
		UUID: "pipe-1",
		Name: "california housing",
		Steps: map[string]pipeline.Step{
			"step-a": {UUID: "step-a", Title: "load", FilePath: "load.ipynb", Environment: "env-1"},
			"step-b": {UUID: "step-b", Title: "clean", FilePath: "clean.py", Environment: "env-1",
				IncomingConnections: []string{"step-a"}},
			"step-c": {UUID: "step-c", Title: "augment", FilePath: "augment.py", Environment: "env-2",
				IncomingConnections: []string{"step-a"},
				Parameters:          map[string]any{"factor": 2}},
			"step-d": {UUID: "step-d", Title: "train", FilePath: "train.ipynb", Environment: "env-1",
				IncomingConnections: []string{"step-b", "step-c"}},
		},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	var defMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &defMap))
	return store.JSONMap{
		"project_uuid":        "proj-1",
		"pipeline_definition": defMap,
		"image_mappings": map[string]any{
			"env-1": "sha256:env1",
			"env-2": "sha256:env2",
		},
		"run_config": map[string]any{
			"project_dir":   "/srv/projects/my-project",
			"pipeline_path": "pipeline.orchest",
			"host_user_dir": "/srv/userdir",
		},
	}
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}

func TestPipelineRunExecutesWavesInOrder(t *testing.T) {
	runtime := &fakeRuntime{}
	callback := &fakeCallback{}
	runner := NewPipelineRunner(runtime, callback, &fakeQueue{}, testLogger())

	task := &store.Task{UUID: "run-1", Name: "run_pipeline", Payload: diamondPayload(t)}
	require.NoError(t, runner.Handle(context.Background(), task))

	order := runtime.startOrder()
	require.Len(t, order, 4)
	posA := indexOf(order, labels.StepContainerName("run-1", "step-a"))
	posB := indexOf(order, labels.StepContainerName("run-1", "step-b"))
	posC := indexOf(order, labels.StepContainerName("run-1", "step-c"))
	posD := indexOf(order, labels.StepContainerName("run-1", "step-d"))
	assert.Equal(t, 0, posA)
	assert.Equal(t, 3, posD)
	assert.Less(t, posA, posB)
	assert.Less(t, posB, posD)
	assert.Less(t, posA, posC)
	assert.Less(t, posC, posD)

	assert.Equal(t, []string{"STARTED", "SUCCESS"}, callback.statuses("run", "run-1"))
	for _, step := range []string{"step-a", "step-b", "step-c", "step-d"} {
		assert.Equal(t, []string{"STARTED", "SUCCESS"}, callback.stepStatuses("run-1", step), step)
	}

	// Containers are cleaned up after the exit code is collected.
	assert.Len(t, runtime.removedContainers, 4)
}

func TestPipelineRunStepContainerSpec(t *testing.T) {
	runtime := &fakeRuntime{}
	runner := NewPipelineRunner(runtime, &fakeCallback{}, &fakeQueue{}, testLogger())

	task := &store.Task{UUID: "run-1", Payload: diamondPayload(t)}
	require.NoError(t, runner.Handle(context.Background(), task))

	for _, started := range runtime.started {
		if started.Name != labels.StepContainerName("run-1", "step-c") {
			continue
		}
		assert.Equal(t, "sha256:env2", started.Image)
		assert.Equal(t, []string{"augment.py"}, started.Cmd)
		assert.Contains(t, started.Env, "ORCHEST_STEP_UUID=step-c")
		assert.Contains(t, started.Env, "ORCHEST_PIPELINE_UUID=pipe-1")
		assert.Contains(t, started.Env, "ORCHEST_PROJECT_UUID=proj-1")
		assert.Contains(t, started.Env, `ORCHEST_STEP_PARAMETERS={"factor":2}`)
		assert.Contains(t, started.Binds, "/srv/projects/my-project:/orchest/project")
		assert.Contains(t, started.Binds, "/srv/userdir/data:/data")
		assert.Equal(t, "run-1", started.Labels[labels.LabelKeyRunUUID])
		return
	}
	t.Fatal("step-c container was never started")
}

func TestPipelineRunStepFailureAbortsLaterWaves(t *testing.T) {
	runtime := &fakeRuntime{exitCodes: map[string]int64{
		labels.StepContainerName("run-1", "step-b"): 1,
	}}
	callback := &fakeCallback{}
	runner := NewPipelineRunner(runtime, callback, &fakeQueue{}, testLogger())

	task := &store.Task{UUID: "run-1", Payload: diamondPayload(t)}
	err := runner.Handle(context.Background(), task)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exited with code 1")

	assert.Equal(t, []string{"STARTED", "FAILURE"}, callback.statuses("run", "run-1"))
	assert.Equal(t, []string{"STARTED", "FAILURE"}, callback.stepStatuses("run-1", "step-b"))
	// The sibling in the same wave still ran to completion.
	assert.Equal(t, []string{"STARTED", "SUCCESS"}, callback.stepStatuses("run-1", "step-c"))
	// The dependent step never started.
	assert.Equal(t, []string{"ABORTED"}, callback.stepStatuses("run-1", "step-d"))
	assert.Equal(t, -1, indexOf(runtime.startOrder(), labels.StepContainerName("run-1", "step-d")))
}

func TestPipelineRunAbortBetweenWaves(t *testing.T) {
	runtime := &fakeRuntime{}
	callback := &fakeCallback{}
	// The check before the first wave passes, the next one observes the
	// abort.
	queue := &fakeQueue{abortResults: []bool{false, true}}
	runner := NewPipelineRunner(runtime, callback, queue, testLogger())

	task := &store.Task{UUID: "run-1", Payload: diamondPayload(t)}
	err := runner.Handle(context.Background(), task)
	require.ErrorIs(t, err, ErrAborted)

	assert.Equal(t, []string{labels.StepContainerName("run-1", "step-a")}, runtime.startOrder())
	assert.Equal(t, []string{"STARTED", "ABORTED"}, callback.statuses("run", "run-1"))
	for _, step := range []string{"step-b", "step-c", "step-d"} {
		assert.Equal(t, []string{"ABORTED"}, callback.stepStatuses("run-1", step), step)
	}
}

func TestPipelineRunMissingImageMapping(t *testing.T) {
	payload := diamondPayload(t)
	payload["image_mappings"] = map[string]any{"env-1": "sha256:env1"}

	callback := &fakeCallback{}
	runner := NewPipelineRunner(&fakeRuntime{}, callback, &fakeQueue{}, testLogger())

	task := &store.Task{UUID: "run-1", Payload: payload}
	err := runner.Handle(context.Background(), task)
	require.Error(t, err)
	assert.ErrorContains(t, err, "env-2")
	assert.Equal(t, []string{"STARTED", "FAILURE"}, callback.statuses("run", "run-1"))
}
