// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskbus is the durable queue between the API and its workers,
// backed by the relational store. Tasks are enqueued with a caller-minted
// uuid so the domain row that triggered the work and the task itself share
// an identifier, which is also what abort requests are addressed to.
//
// Cancellation is two flags with different reach. Revoking stops a queued
// task from ever being claimed. Aborting asks an already running task to
// exit at its next check-point. Callers issue both, covering the window in
// which a task moves from queued to running.
package taskbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/orchest/orchest/internal/store"
)

// Task names understood by the workers.
const (
	TaskBuildEnvironment = "build_environment"
	TaskBuildJupyter     = "build_jupyter"
	TaskRunPipeline      = "run_pipeline"
)

// claimBatchSize bounds how many queued candidates a single claim attempt
// fetches before giving up the tick.
const claimBatchSize = 10

// Bus hands tasks between the API process and worker processes.
type Bus struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Bus {
	return &Bus{
		store:  st,
		logger: logger.With("component", "taskbus"),
	}
}

// Spec describes a task to enqueue.
type Spec struct {
	UUID    string
	Name    string
	Payload map[string]any
}

// Enqueue inserts the task as PENDING. It is meant to run as a collateral,
// after the transaction that created the matching domain row committed, so
// the worker's first status callback finds that row in place.
func (b *Bus) Enqueue(ctx context.Context, spec Spec) error {
	task := store.Task{
		UUID:         spec.UUID,
		Name:         spec.Name,
		Payload:      store.JSONMap(spec.Payload),
		Status:       store.StatusPending,
		EnqueuedTime: time.Now().UTC(),
	}
	if err := b.store.WithContext(ctx).Create(&task).Error; err != nil {
		return err
	}
	b.logger.Debug("task enqueued", "task_uuid", spec.UUID, "task_name", spec.Name)
	return nil
}

// Revoke prevents a queued task from being claimed. It reports whether the
// task was still claimable; a task that already started is untouched and
// must be aborted instead.
func (b *Bus) Revoke(ctx context.Context, uuid string) (bool, error) {
	result := b.store.WithContext(ctx).
		Model(&store.Task{}).
		Where("uuid = ? AND status = ?", uuid, store.StatusPending).
		Update("revoked", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RequestAbort flags the task for cooperative abortion. Workers poll the
// flag at their side-effect boundaries and stop when they see it. Flagging
// an unknown or finished task is a no-op.
func (b *Bus) RequestAbort(ctx context.Context, uuid string) error {
	return b.store.WithContext(ctx).
		Model(&store.Task{}).
		Where("uuid = ?", uuid).
		Update("aborted", true).Error
}

// Claim atomically moves the oldest runnable task with one of the given
// names to STARTED and returns it. It returns nil when nothing is queued.
// Concurrent workers may race for the same candidate; the guarded update
// makes sure only one of them wins it.
func (b *Bus) Claim(ctx context.Context, names []string) (*store.Task, error) {
	db := b.store.WithContext(ctx)
	var candidates []store.Task
	err := db.
		Where("status = ? AND revoked = ? AND name IN ?", store.StatusPending, false, names).
		Order("enqueued_time").
		Limit(claimBatchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		now := time.Now().UTC()
		result := db.Model(&store.Task{}).
			Where("uuid = ? AND status = ? AND revoked = ?", candidates[i].UUID, store.StatusPending, false).
			Updates(map[string]any{"status": store.StatusStarted, "started_time": now})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			task := candidates[i]
			task.Status = store.StatusStarted
			task.StartedTime = &now
			b.logger.Debug("task claimed", "task_uuid", task.UUID, "task_name", task.Name)
			return &task, nil
		}
	}
	return nil, nil
}

// IsAborted reports whether an abort was requested for the task.
func (b *Bus) IsAborted(ctx context.Context, uuid string) (bool, error) {
	var task store.Task
	err := b.store.WithContext(ctx).
		Select("aborted").
		First(&task, "uuid = ?", uuid).Error
	if err != nil {
		return false, err
	}
	return task.Aborted, nil
}

// Finish records the task's terminal status. The guarded update keeps a
// late finish from overwriting an abort that already landed.
func (b *Bus) Finish(ctx context.Context, uuid string, status store.Status) error {
	_, err := store.UpdateStatus(b.store.WithContext(ctx), &store.Task{},
		map[string]any{"uuid": uuid},
		store.StatusUpdate{Status: status, FinishedTime: timePtr(time.Now().UTC())},
	)
	return err
}

func timePtr(t time.Time) *time.Time {
	return &t
}
