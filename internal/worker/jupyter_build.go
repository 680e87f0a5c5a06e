// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/orchest/orchest/internal/apiclient"
	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/store"
)

// defaultJupyterBaseImage is the stock Jupyter server image the user build
// customizes.
const defaultJupyterBaseImage = "orchest/jupyter-server:latest"

// jupyterSetupScript is the file inside the user configuration directory
// that the build executes, when present.
const jupyterSetupScript = "setup_script.sh"

// JupyterBuilder handles build_jupyter tasks. The build context is the
// .orchest directory of the user dir, which holds the Jupyter setup script
// edited through the UI.
type JupyterBuilder struct {
	runtime   Runtime
	callback  Callback
	queue     Queue
	userDir   string
	baseImage string
	logger    *slog.Logger
}

// NewJupyterBuilder returns a handler rooted at userDir. An empty
// baseImage selects the stock Jupyter server image.
func NewJupyterBuilder(runtime Runtime, callback Callback, queue Queue, userDir, baseImage string, logger *slog.Logger) *JupyterBuilder {
	if baseImage == "" {
		baseImage = defaultJupyterBaseImage
	}
	return &JupyterBuilder{
		runtime:   runtime,
		callback:  callback,
		queue:     queue,
		userDir:   userDir,
		baseImage: baseImage,
		logger:    logger.With("component", "jupyter-builder"),
	}
}

// Handle mirrors the environment build flow: STARTED callback, build,
// terminal callback. The task uuid is the Jupyter build row uuid.
func (b *JupyterBuilder) Handle(ctx context.Context, task *store.Task) error {
	if err := b.callback.SetJupyterBuildStatus(ctx, task.UUID, apiclient.StartedNow()); err != nil {
		return fmt.Errorf("reporting build start: %w", err)
	}
	err := b.build(ctx, task)
	status := terminalStatus(err)
	metrics.BuildFinished("jupyter", status)
	cbCtx := context.WithoutCancel(ctx)
	if cbErr := b.callback.SetJupyterBuildStatus(cbCtx, task.UUID, terminalUpdate(status)); cbErr != nil {
		b.logger.Error("reporting build end", "build_uuid", task.UUID, "error", cbErr)
	}
	return err
}

func (b *JupyterBuilder) build(ctx context.Context, task *store.Task) error {
	if err := checkAbort(ctx, b.queue, task.UUID); err != nil {
		return err
	}
	setupDir := filepath.Join(b.userDir, ".orchest")
	if _, err := os.Stat(setupDir); err != nil {
		return fmt.Errorf("jupyter setup directory: %w", err)
	}
	script := ""
	if _, err := os.Stat(filepath.Join(setupDir, jupyterSetupScript)); err == nil {
		script = jupyterSetupScript
	}
	buildCtx, err := docker.BuildContext(setupDir, map[string][]byte{
		buildDockerfileName: jupyterDockerfile(b.baseImage, script),
	})
	if err != nil {
		return fmt.Errorf("assembling build context: %w", err)
	}
	if err := checkAbort(ctx, b.queue, task.UUID); err != nil {
		return err
	}

	logs := newLogBatcher(ctx, b.callback, task.UUID, b.logger)
	imageID, err := b.runtime.BuildImage(ctx, buildCtx, docker.BuildOptions{
		Tags:       []string{labels.JupyterImage},
		Dockerfile: buildDockerfileName,
		Labels: map[string]string{
			labels.LabelKeyJupyterBuildTaskUUID: task.UUID,
		},
	}, logs.Add)
	logs.Flush()
	if err != nil {
		if aborted, _ := b.queue.IsAborted(ctx, task.UUID); aborted {
			return ErrAborted
		}
		return fmt.Errorf("building jupyter image: %w", err)
	}
	if aborted, err := b.queue.IsAborted(ctx, task.UUID); err == nil && aborted {
		if rmErr := b.runtime.RemoveImage(context.WithoutCancel(ctx), imageID, true); rmErr != nil {
			b.logger.Error("removing aborted build image",
				"build_uuid", task.UUID, "image_id", imageID, "error", rmErr)
		}
		return ErrAborted
	}
	b.logger.Info("jupyter image built", "image_id", imageID)
	return nil
}

func jupyterDockerfile(baseImage, setupScript string) []byte {
	content := fmt.Sprintf("FROM %s\nCOPY . /jupyter-setup\nWORKDIR /jupyter-setup\n", baseImage)
	if setupScript != "" {
		content += fmt.Sprintf("RUN bash %s\n", setupScript)
	}
	return []byte(content)
}
