// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/orchest/orchest/internal/apiclient"
	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/store"
)

// buildDockerfileName is the generated dockerfile injected into the build
// context. The dot prefix keeps it from clashing with user files.
const buildDockerfileName = ".orchest.Dockerfile"

// logFlushThreshold is how many build log lines are batched per callback.
const logFlushThreshold = 8

// EnvironmentBuilder handles build_environment tasks. It assembles a build
// context from the project directory, generates a dockerfile around the
// environment's base image and setup script, and publishes the result
// under the canonical environment image name.
type EnvironmentBuilder struct {
	runtime     Runtime
	callback    Callback
	queue       Queue
	projectsDir string
	logger      *slog.Logger
}

// NewEnvironmentBuilder returns a handler rooted at projectsDir, the host
// directory that holds one subdirectory per project.
func NewEnvironmentBuilder(runtime Runtime, callback Callback, queue Queue, projectsDir string, logger *slog.Logger) *EnvironmentBuilder {
	return &EnvironmentBuilder{
		runtime:     runtime,
		callback:    callback,
		queue:       queue,
		projectsDir: projectsDir,
		logger:      logger.With("component", "environment-builder"),
	}
}

// Handle reports the build as STARTED, runs it, and reports the terminal
// status. The task uuid doubles as the build row uuid, so callbacks need
// no extra addressing.
func (b *EnvironmentBuilder) Handle(ctx context.Context, task *store.Task) error {
	if err := b.callback.SetEnvironmentBuildStatus(ctx, task.UUID, apiclient.StartedNow()); err != nil {
		return fmt.Errorf("reporting build start: %w", err)
	}
	err := b.build(ctx, task)
	status := terminalStatus(err)
	metrics.BuildFinished("environment", status)
	// The terminal callback must land even when the build was cancelled.
	cbCtx := context.WithoutCancel(ctx)
	if cbErr := b.callback.SetEnvironmentBuildStatus(cbCtx, task.UUID, terminalUpdate(status)); cbErr != nil {
		b.logger.Error("reporting build end", "build_uuid", task.UUID, "error", cbErr)
	}
	return err
}

func (b *EnvironmentBuilder) build(ctx context.Context, task *store.Task) error {
	projectUUID, err := payloadString(task.Payload, "project_uuid")
	if err != nil {
		return err
	}
	environmentUUID, err := payloadString(task.Payload, "environment_uuid")
	if err != nil {
		return err
	}
	projectPath, err := payloadString(task.Payload, "project_path")
	if err != nil {
		return err
	}
	if err := checkAbort(ctx, b.queue, task.UUID); err != nil {
		return err
	}

	projectDir := filepath.Join(b.projectsDir, projectPath)
	props, setupScript, err := readEnvironmentProperties(projectDir, environmentUUID)
	if err != nil {
		return err
	}
	buildCtx, err := docker.BuildContext(projectDir, map[string][]byte{
		buildDockerfileName: environmentDockerfile(props, setupScript),
	})
	if err != nil {
		return fmt.Errorf("assembling build context: %w", err)
	}
	if err := checkAbort(ctx, b.queue, task.UUID); err != nil {
		return err
	}

	logs := newLogBatcher(ctx, b.callback, task.UUID, b.logger)
	imageID, err := b.runtime.BuildImage(ctx, buildCtx, docker.BuildOptions{
		Tags:       []string{labels.EnvironmentImageName(projectUUID, environmentUUID)},
		Dockerfile: buildDockerfileName,
		Labels:     labels.BuildLabels(task.UUID, projectUUID, environmentUUID, false),
	}, logs.Add)
	logs.Flush()
	if err != nil {
		// An abort that kills the daemon connection surfaces as a build
		// error; prefer the abort signal when both are present.
		if aborted, _ := b.queue.IsAborted(ctx, task.UUID); aborted {
			return ErrAborted
		}
		return fmt.Errorf("building environment image: %w", err)
	}
	if aborted, err := b.queue.IsAborted(ctx, task.UUID); err == nil && aborted {
		// The abort collateral may have run before the image existed, so
		// the worker removes what it just published.
		if rmErr := b.runtime.RemoveImage(context.WithoutCancel(ctx), imageID, true); rmErr != nil {
			b.logger.Error("removing aborted build image",
				"build_uuid", task.UUID, "image_id", imageID, "error", rmErr)
		}
		return ErrAborted
	}
	b.logger.Info("environment image built",
		"project_uuid", projectUUID, "environment_uuid", environmentUUID, "image_id", imageID)
	return nil
}

// environmentProperties is the on-disk description of an environment,
// written by the webserver under .orchest/environments/<uuid>/.
type environmentProperties struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	BaseImage  string `json:"base_image"`
	Language   string `json:"language"`
	GPUSupport bool   `json:"gpu_support"`
}

// readEnvironmentProperties loads properties.json for the environment and
// reports the relative path of its setup script, empty when there is none.
func readEnvironmentProperties(projectDir, environmentUUID string) (environmentProperties, string, error) {
	var props environmentProperties
	envDir := filepath.Join(".orchest", "environments", environmentUUID)
	data, err := os.ReadFile(filepath.Join(projectDir, envDir, "properties.json"))
	if err != nil {
		return props, "", fmt.Errorf("reading environment properties: %w", err)
	}
	if err := json.Unmarshal(data, &props); err != nil {
		return props, "", fmt.Errorf("decoding environment properties: %w", err)
	}
	if props.BaseImage == "" {
		return props, "", fmt.Errorf("environment %s has no base image", environmentUUID)
	}
	setupScript := ""
	if _, err := os.Stat(filepath.Join(projectDir, envDir, "setup_script.sh")); err == nil {
		setupScript = filepath.ToSlash(filepath.Join(envDir, "setup_script.sh"))
	}
	return props, setupScript, nil
}

// environmentDockerfile generates the dockerfile that layers the project
// files and setup script on top of the environment's base image.
func environmentDockerfile(props environmentProperties, setupScript string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", props.BaseImage)
	sb.WriteString("COPY . /orchest/project\n")
	sb.WriteString("WORKDIR /orchest/project\n")
	if setupScript != "" {
		fmt.Fprintf(&sb, "RUN bash %s\n", setupScript)
	}
	return []byte(sb.String())
}

func terminalStatus(err error) string {
	switch {
	case err == nil:
		return string(store.StatusSuccess)
	case errors.Is(err, ErrAborted):
		return string(store.StatusAborted)
	default:
		return string(store.StatusFailure)
	}
}

// terminalUpdate builds the callback payload for a finished build. Aborted
// rows record no finish timestamp.
func terminalUpdate(status string) apiclient.StatusUpdate {
	if status == string(store.StatusAborted) {
		return apiclient.StatusUpdate{Status: status}
	}
	return apiclient.FinishedNow(status)
}

// logBatcher coalesces build output lines into PublishBuildLog calls so a
// chatty build does not produce one HTTP request per line.
type logBatcher struct {
	ctx       context.Context
	callback  Callback
	buildUUID string
	logger    *slog.Logger
	lines     []string
}

func newLogBatcher(ctx context.Context, callback Callback, buildUUID string, logger *slog.Logger) *logBatcher {
	return &logBatcher{ctx: ctx, callback: callback, buildUUID: buildUUID, logger: logger}
}

func (l *logBatcher) Add(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) >= logFlushThreshold {
		l.Flush()
	}
}

// Flush publishes buffered lines. Log delivery is best effort; a failure
// never fails the build.
func (l *logBatcher) Flush() {
	if len(l.lines) == 0 {
		return
	}
	if err := l.callback.PublishBuildLog(context.WithoutCancel(l.ctx), l.buildUUID, l.lines); err != nil {
		l.logger.Warn("publishing build log", "build_uuid", l.buildUUID, "error", err)
	}
	l.lines = nil
}
