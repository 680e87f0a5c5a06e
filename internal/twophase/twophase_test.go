// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package twophase

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/store"
)

func newExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "orchest.db")})
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() { _ = s.Close() })
	return NewExecutor(s, slog.Default()), s
}

func TestRunCommitsThenRunsCollateralsInOrder(t *testing.T) {
	exec, s := newExecutor(t)

	var order []string
	err := exec.Run(context.Background(), func(tx *gorm.DB, batch *Batch) error {
		if err := tx.Create(&store.Project{UUID: "proj-1", Path: "a"}).Error; err != nil {
			return err
		}
		batch.Add(Operation{
			Name: "first",
			Collateral: func(context.Context) error {
				// The transaction must be committed before collaterals run.
				var count int64
				require.NoError(t, s.DB().Model(&store.Project{}).Count(&count).Error)
				assert.EqualValues(t, 1, count)
				order = append(order, "first")
				return nil
			},
		})
		batch.Add(Operation{
			Name: "second",
			Collateral: func(context.Context) error {
				order = append(order, "second")
				return nil
			},
		})
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunRollsBackAndRevertsInReverseOrder(t *testing.T) {
	exec, s := newExecutor(t)

	var reverts []string
	err := exec.Run(context.Background(), func(tx *gorm.DB, batch *Batch) error {
		if err := tx.Create(&store.Project{UUID: "proj-1", Path: "a"}).Error; err != nil {
			return err
		}
		batch.Add(Operation{
			Name:       "first",
			Collateral: func(context.Context) error { t.Fatal("collateral must not run"); return nil },
			Revert:     func(context.Context) error { reverts = append(reverts, "first"); return nil },
		})
		batch.Add(Operation{
			Name:   "second",
			Revert: func(context.Context) error { reverts = append(reverts, "second"); return nil },
		})
		return errors.New("boom")
	})

	require.EqualError(t, err, "boom")
	assert.Equal(t, []string{"second", "first"}, reverts)

	var count int64
	require.NoError(t, s.DB().Model(&store.Project{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCollateralFailureKeepsCommitAndRevertsThatOperation(t *testing.T) {
	exec, s := newExecutor(t)

	var events []string
	err := exec.Run(context.Background(), func(tx *gorm.DB, batch *Batch) error {
		if err := tx.Create(&store.Project{UUID: "proj-1", Path: "a"}).Error; err != nil {
			return err
		}
		batch.Add(Operation{
			Name:       "failing",
			Collateral: func(context.Context) error { return errors.New("enqueue failed") },
			Revert:     func(context.Context) error { events = append(events, "revert-failing"); return nil },
		})
		batch.Add(Operation{
			Name:       "surviving",
			Collateral: func(context.Context) error { events = append(events, "surviving"); return nil },
			Revert:     func(context.Context) error { events = append(events, "revert-surviving"); return nil },
		})
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue failed")
	// The failing op reverts, the rest still run, nothing else reverts.
	assert.Equal(t, []string{"revert-failing", "surviving"}, events)

	// The commit survives the collateral failure.
	var count int64
	require.NoError(t, s.DB().Model(&store.Project{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
