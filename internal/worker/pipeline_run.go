// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/orchest/orchest/internal/apiclient"
	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/pipeline"
	"github.com/orchest/orchest/internal/store"
)

// PipelineRunner handles run_pipeline tasks. The payload carries a
// pipeline definition already reduced to the steps selected for the run,
// plus the environment image ids locked at creation time. Steps execute
// wave by wave: everything inside a wave runs concurrently, a wave only
// starts once its predecessors finished.
type PipelineRunner struct {
	runtime  Runtime
	callback Callback
	queue    Queue
	logger   *slog.Logger
}

// NewPipelineRunner returns a run handler.
func NewPipelineRunner(runtime Runtime, callback Callback, queue Queue, logger *slog.Logger) *PipelineRunner {
	return &PipelineRunner{
		runtime:  runtime,
		callback: callback,
		queue:    queue,
		logger:   logger.With("component", "pipeline-runner"),
	}
}

// runScope bundles everything a step needs from the run payload.
type runScope struct {
	runUUID      string
	projectUUID  string
	def          *pipeline.Definition
	images       map[string]string
	projectDir   string
	pipelinePath string
	hostUserDir  string
}

// Handle reports the run as STARTED, executes the waves, and reports the
// terminal status. The task uuid is the pipeline run uuid.
func (r *PipelineRunner) Handle(ctx context.Context, task *store.Task) error {
	if err := r.callback.SetPipelineRunStatus(ctx, task.UUID, apiclient.StartedNow()); err != nil {
		return fmt.Errorf("reporting run start: %w", err)
	}
	err := r.run(ctx, task)
	status := terminalStatus(err)
	metrics.RunFinished(status)
	cbCtx := context.WithoutCancel(ctx)
	if cbErr := r.callback.SetPipelineRunStatus(cbCtx, task.UUID, terminalUpdate(status)); cbErr != nil {
		r.logger.Error("reporting run end", "run_uuid", task.UUID, "error", cbErr)
	}
	return err
}

func (r *PipelineRunner) run(ctx context.Context, task *store.Task) error {
	scope, err := r.scopeFromPayload(task)
	if err != nil {
		return err
	}
	waves, err := pipeline.Waves(scope.def.Steps)
	if err != nil {
		return err
	}
	for i, wave := range waves {
		if err := checkAbort(ctx, r.queue, task.UUID); err != nil {
			r.abortRemaining(ctx, scope.runUUID, waves[i:])
			return err
		}
		// A failing step does not cancel its wave siblings; they already
		// started and report their own terminal status.
		var g errgroup.Group
		for _, stepUUID := range wave {
			step := scope.def.Steps[stepUUID]
			g.Go(func() error {
				return r.runStep(ctx, scope, step)
			})
		}
		if err := g.Wait(); err != nil {
			// Steps in the failed wave all started and reported their own
			// status; only later waves never ran.
			r.abortRemaining(ctx, scope.runUUID, waves[i+1:])
			if aborted, abortErr := r.queue.IsAborted(ctx, task.UUID); abortErr == nil && aborted {
				return ErrAborted
			}
			return err
		}
	}
	return nil
}

func (r *PipelineRunner) scopeFromPayload(task *store.Task) (*runScope, error) {
	projectUUID, err := payloadString(task.Payload, "project_uuid")
	if err != nil {
		return nil, err
	}
	defMap, err := payloadMap(task.Payload, "pipeline_definition")
	if err != nil {
		return nil, err
	}
	def, err := pipeline.FromMap(defMap)
	if err != nil {
		return nil, err
	}
	images, err := payloadStringMap(task.Payload, "image_mappings")
	if err != nil {
		return nil, err
	}
	runConfig, err := payloadMap(task.Payload, "run_config")
	if err != nil {
		return nil, err
	}
	projectDir, ok := runConfig["project_dir"].(string)
	if !ok || projectDir == "" {
		return nil, fmt.Errorf("run config is missing project_dir")
	}
	pipelinePath, _ := runConfig["pipeline_path"].(string)
	hostUserDir, _ := runConfig["host_user_dir"].(string)
	return &runScope{
		runUUID:      task.UUID,
		projectUUID:  projectUUID,
		def:          def,
		images:       images,
		projectDir:   projectDir,
		pipelinePath: pipelinePath,
		hostUserDir:  hostUserDir,
	}, nil
}

// runStep executes one step in a container built from the image id locked
// for its environment. The image entrypoint receives the step file path.
func (r *PipelineRunner) runStep(ctx context.Context, scope *runScope, step pipeline.Step) error {
	imageID, ok := scope.images[step.Environment]
	if !ok {
		r.failStep(ctx, scope.runUUID, step.UUID)
		return fmt.Errorf("step %s: no image locked for environment %s", step.UUID, step.Environment)
	}
	if err := r.callback.SetPipelineRunStepStatus(ctx, scope.runUUID, step.UUID, apiclient.StartedNow()); err != nil {
		return fmt.Errorf("reporting step start: %w", err)
	}

	binds := []string{scope.projectDir + ":/orchest/project"}
	if scope.hostUserDir != "" {
		binds = append(binds, filepath.Join(scope.hostUserDir, "data")+":/data")
	}
	id, err := r.runtime.RunContainer(ctx, docker.RunSpec{
		Name:   labels.StepContainerName(scope.runUUID, step.UUID),
		Image:  imageID,
		Cmd:    []string{step.FilePath},
		Env:    stepEnvironment(scope, step),
		Labels: labels.RunLabels(scope.runUUID, step.UUID),
		Binds:  binds,
	})
	if err != nil {
		r.failStep(ctx, scope.runUUID, step.UUID)
		return fmt.Errorf("starting step %s: %w", step.UUID, err)
	}
	exitCode, waitErr := r.runtime.WaitContainer(ctx, id)
	if rmErr := r.runtime.RemoveContainer(context.WithoutCancel(ctx), id, true); rmErr != nil {
		r.logger.Warn("removing step container",
			"run_uuid", scope.runUUID, "step_uuid", step.UUID, "error", rmErr)
	}
	if waitErr != nil {
		r.failStep(ctx, scope.runUUID, step.UUID)
		return fmt.Errorf("waiting for step %s: %w", step.UUID, waitErr)
	}
	if exitCode != 0 {
		r.failStep(ctx, scope.runUUID, step.UUID)
		return fmt.Errorf("step %s exited with code %d", step.UUID, exitCode)
	}
	return r.callback.SetPipelineRunStepStatus(ctx, scope.runUUID, step.UUID,
		apiclient.FinishedNow(string(store.StatusSuccess)))
}

func (r *PipelineRunner) failStep(ctx context.Context, runUUID, stepUUID string) {
	cbCtx := context.WithoutCancel(ctx)
	update := apiclient.FinishedNow(string(store.StatusFailure))
	if err := r.callback.SetPipelineRunStepStatus(cbCtx, runUUID, stepUUID, update); err != nil {
		r.logger.Error("reporting step failure",
			"run_uuid", runUUID, "step_uuid", stepUUID, "error", err)
	}
}

// abortRemaining marks steps that never started as ABORTED.
func (r *PipelineRunner) abortRemaining(ctx context.Context, runUUID string, waves [][]string) {
	cbCtx := context.WithoutCancel(ctx)
	update := apiclient.StatusUpdate{Status: string(store.StatusAborted)}
	for _, wave := range waves {
		for _, stepUUID := range wave {
			if err := r.callback.SetPipelineRunStepStatus(cbCtx, runUUID, stepUUID, update); err != nil {
				r.logger.Error("reporting step abort",
					"run_uuid", runUUID, "step_uuid", stepUUID, "error", err)
			}
		}
	}
}

// stepEnvironment builds the environment variables the Orchest SDK inside
// the step container expects.
func stepEnvironment(scope *runScope, step pipeline.Step) []string {
	env := []string{
		"ORCHEST_PROJECT_UUID=" + scope.projectUUID,
		"ORCHEST_PIPELINE_UUID=" + scope.def.UUID,
		"ORCHEST_PIPELINE_PATH=" + scope.pipelinePath,
		"ORCHEST_STEP_UUID=" + step.UUID,
	}
	if len(step.Parameters) > 0 {
		if data, err := json.Marshal(step.Parameters); err == nil {
			env = append(env, "ORCHEST_STEP_PARAMETERS="+string(data))
		}
	}
	return env
}
