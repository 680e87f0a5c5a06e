// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker executes the asynchronous half of the Orchest control
// plane: environment builds, Jupyter builds and pipeline runs. A pool of
// goroutines claims tasks from the bus and drives them against the local
// docker daemon, reporting progress back to the API over HTTP rather than
// by touching the database directly.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/orchest/orchest/internal/apiclient"
	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/metrics"
	"github.com/orchest/orchest/internal/store"
)

// ErrAborted is returned by handlers that observed the abort flag of their
// task and stopped early. The pool maps it to a terminal ABORTED status
// instead of FAILURE.
var ErrAborted = errors.New("task aborted")

// Runtime is the slice of the docker client the task handlers need.
type Runtime interface {
	BuildImage(ctx context.Context, buildContext io.Reader, opts docker.BuildOptions, sink func(line string)) (string, error)
	RemoveImage(ctx context.Context, ref string, force bool) error
	RunContainer(ctx context.Context, spec docker.RunSpec) (string, error)
	WaitContainer(ctx context.Context, id string) (int64, error)
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Callback posts status transitions and build logs back to the API.
type Callback interface {
	SetEnvironmentBuildStatus(ctx context.Context, buildUUID string, update apiclient.StatusUpdate) error
	SetJupyterBuildStatus(ctx context.Context, buildUUID string, update apiclient.StatusUpdate) error
	SetPipelineRunStatus(ctx context.Context, runUUID string, update apiclient.StatusUpdate) error
	SetPipelineRunStepStatus(ctx context.Context, runUUID, stepUUID string, update apiclient.StatusUpdate) error
	PublishBuildLog(ctx context.Context, buildUUID string, lines []string) error
}

// Queue is the worker-side view of the task bus.
type Queue interface {
	Claim(ctx context.Context, names []string) (*store.Task, error)
	IsAborted(ctx context.Context, uuid string) (bool, error)
	Finish(ctx context.Context, uuid string, status store.Status) error
}

// Handler executes one claimed task to completion.
type Handler func(ctx context.Context, task *store.Task) error

// Config tunes the pool.
type Config struct {
	// Concurrency is the number of tasks executed in parallel.
	Concurrency int

	// PollInterval is how long an idle worker waits before asking the bus
	// for work again.
	PollInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Pool claims tasks and dispatches them to registered handlers.
type Pool struct {
	queue    Queue
	cfg      Config
	handlers map[string]Handler
	names    []string
	logger   *slog.Logger
}

// NewPool returns a pool without any handlers registered.
func NewPool(queue Queue, cfg Config, logger *slog.Logger) *Pool {
	cfg.withDefaults()
	return &Pool{
		queue:    queue,
		cfg:      cfg,
		handlers: map[string]Handler{},
		logger:   logger.With("component", "worker"),
	}
}

// Register binds a task name to its handler. Must be called before Run.
func (p *Pool) Register(name string, handler Handler) {
	p.handlers[name] = handler
	p.names = append(p.names, name)
}

// Run blocks until ctx is cancelled, executing claimed tasks on
// Concurrency goroutines.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return fmt.Errorf("no task handlers registered")
	}
	p.logger.Info("worker pool starting",
		"concurrency", p.cfg.Concurrency, "tasks", p.names)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	return g.Wait()
}

// loop is the claim cycle of a single goroutine. Claim errors back off
// exponentially so a database outage does not turn into a busy loop.
func (p *Pool) loop(ctx context.Context) error {
	wait := backoff.NewExponentialBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := p.queue.Claim(ctx, p.names)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("claiming task", "error", err)
			if err := sleep(ctx, wait.NextBackOff()); err != nil {
				return err
			}
			continue
		}
		wait.Reset()
		if task == nil {
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		p.execute(ctx, task)
	}
}

func (p *Pool) execute(ctx context.Context, task *store.Task) {
	metrics.TaskClaimed(task.Name)
	logger := p.logger.With("task_uuid", task.UUID, "task_name", task.Name)
	handler, ok := p.handlers[task.Name]
	if !ok {
		// Claim filters on registered names, so this means a programming
		// error rather than a foreign task.
		logger.Error("no handler for claimed task")
		p.finish(ctx, logger, task.UUID, store.StatusFailure)
		return
	}
	logger.Info("task started")
	start := time.Now()
	err := handler(ctx, task)
	switch {
	case errors.Is(err, ErrAborted):
		logger.Info("task aborted", "duration", time.Since(start))
		p.finish(ctx, logger, task.UUID, store.StatusAborted)
	case err != nil:
		logger.Error("task failed", "error", err, "duration", time.Since(start))
		p.finish(ctx, logger, task.UUID, store.StatusFailure)
	default:
		logger.Info("task finished", "duration", time.Since(start))
		p.finish(ctx, logger, task.UUID, store.StatusSuccess)
	}
}

// finish records the terminal status of the task row itself. It runs even
// when ctx was cancelled mid-task so a shutdown does not strand tasks in
// STARTED.
func (p *Pool) finish(ctx context.Context, logger *slog.Logger, uuid string, status store.Status) {
	if err := p.queue.Finish(context.WithoutCancel(ctx), uuid, status); err != nil {
		logger.Error("finishing task", "status", status, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// checkAbort polls the cooperative abort flag of a task. Handlers call it
// at their side effect boundaries.
func checkAbort(ctx context.Context, queue Queue, uuid string) error {
	aborted, err := queue.IsAborted(ctx, uuid)
	if err != nil {
		return fmt.Errorf("checking abort flag: %w", err)
	}
	if aborted {
		return ErrAborted
	}
	return nil
}

// payloadString extracts a required string field from a task payload.
func payloadString(payload store.JSONMap, key string) (string, error) {
	value, ok := payload[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("task payload is missing %q", key)
	}
	return value, nil
}

// payloadMap extracts a required object field from a task payload.
func payloadMap(payload store.JSONMap, key string) (map[string]any, error) {
	value, ok := payload[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("task payload is missing %q", key)
	}
	return value, nil
}

// payloadStringMap extracts an object of string values, such as the
// environment uuid to image id mappings of a run.
func payloadStringMap(payload store.JSONMap, key string) (map[string]string, error) {
	raw, err := payloadMap(payload, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("task payload field %q has a non-string entry %q", key, k)
		}
		out[k] = s
	}
	return out, nil
}
