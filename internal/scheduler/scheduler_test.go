// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/orchest/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
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

func TestClaimFirstTickCreatesRowAndWins(t *testing.T) {
	sched, st := newTestScheduler(t)

	claimed, err := sched.claim(context.Background(), JobTypeImageGC, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	var job store.SchedulerJob
	require.NoError(t, st.DB().First(&job, "type = ?", JobTypeImageGC).Error)
	assert.WithinDuration(t, time.Now().UTC(), job.Timestamp, time.Minute)
}

func TestClaimSkipsUntilIntervalPassed(t *testing.T) {
	sched, st := newTestScheduler(t)
	ctx := context.Background()

	claimed, err := sched.claim(ctx, JobTypeProcessJobs, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = sched.claim(ctx, JobTypeProcessJobs, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed, "second tick within the interval must lose the claim")

	// Age the row past the interval and the next tick wins again.
	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.DB().Model(&store.SchedulerJob{}).
		Where("type = ?", JobTypeProcessJobs).
		Update("timestamp", past).Error)

	claimed, err = sched.claim(ctx, JobTypeProcessJobs, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimZeroIntervalAlwaysWins(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		claimed, err := sched.claim(ctx, JobTypeTelemetryHeartbeat, 0)
		require.NoError(t, err)
		assert.True(t, claimed)
	}
}

func TestTickRunsHandlerOnlyWhenClaimed(t *testing.T) {
	sched, _ := newTestScheduler(t)
	ctx := context.Background()

	runs := 0
	reg := Registration{
		Type:     JobTypeImageGC,
		Interval: time.Hour,
		Handler: func(context.Context) error {
			runs++
			return nil
		},
	}

	sched.tick(ctx, reg)
	sched.tick(ctx, reg)
	assert.Equal(t, 1, runs)
}

func TestTickSurvivesHandlerError(t *testing.T) {
	sched, _ := newTestScheduler(t)

	reg := Registration{
		Type:     JobTypeProcessJobs,
		Interval: time.Hour,
		Handler: func(context.Context) error {
			return errors.New("boom")
		},
	}
	// Must not panic; the error only gets logged and the claim stands.
	sched.tick(context.Background(), reg)

	claimed, err := sched.claim(context.Background(), JobTypeProcessJobs, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
}
