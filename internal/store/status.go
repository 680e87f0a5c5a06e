// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"time"

	"gorm.io/gorm"
)

// Status is the lifecycle status of builds, runs, steps, jobs and tasks.
type Status string

const (
	StatusDraft   Status = "DRAFT"
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusPaused  Status = "PAUSED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusAborted Status = "ABORTED"
)

// Terminal reports whether the status is an end state. Terminal rows are
// write-once: UpdateStatus refuses to change them.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted:
		return true
	}
	return false
}

// SessionStatus is the lifecycle status of interactive sessions, which move
// strictly forward: LAUNCHING -> RUNNING -> STOPPING -> STOPPED.
type SessionStatus string

const (
	SessionLaunching SessionStatus = "LAUNCHING"
	SessionRunning   SessionStatus = "RUNNING"
	SessionStopping  SessionStatus = "STOPPING"
	SessionStopped   SessionStatus = "STOPPED"
)

// StatusUpdate is a worker status callback: the new status plus the
// timestamps the transition carries.
type StatusUpdate struct {
	Status       Status
	StartedTime  *time.Time
	FinishedTime *time.Time
}

// UpdateStatus atomically moves a row to update.Status, but only if its
// current status is PENDING or STARTED. STARTED stores started_time,
// SUCCESS and FAILURE store finished_time, ABORTED stores neither.
// It reports whether a row changed; duplicate and late updates are no-ops.
func UpdateStatus(tx *gorm.DB, model any, filter map[string]any, update StatusUpdate) (bool, error) {
	data := map[string]any{"status": update.Status}
	switch update.Status {
	case StatusStarted:
		if update.StartedTime != nil {
			data["started_time"] = *update.StartedTime
		}
	case StatusSuccess, StatusFailure:
		if update.FinishedTime != nil {
			data["finished_time"] = *update.FinishedTime
		}
	}

	res := tx.Model(model).
		Where(filter).
		Where("status IN ?", []Status{StatusPending, StatusStarted}).
		Updates(data)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
