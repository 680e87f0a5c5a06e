// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package twophase implements the two-phase execution pattern that keeps the
// state store and the container runtime mutually consistent. A batch groups
// transactional database mutations with the collateral side effects (enqueue
// a task, stop a container, remove an image) that must only happen once those
// mutations are committed.
package twophase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/orchest/orchest/internal/store"
)

// Operation is one entry of a batch: the collateral side effect staged by a
// transaction phase, plus the compensation to run if things go wrong.
type Operation struct {
	// Name identifies the operation in logs.
	Name string
	// Collateral runs after the batch's transaction commits. It must be
	// idempotent on retry: the surviving database row plus a repeated
	// collateral converge (aborting a task that is already gone is a no-op).
	Collateral func(ctx context.Context) error
	// Revert compensates the operation's committed rows. It runs, in reverse
	// staging order, when the batch transaction fails after this operation
	// was staged, and for this operation alone when its collateral fails.
	Revert func(ctx context.Context) error
}

// Batch collects the operations staged by the transaction phase.
type Batch struct {
	ops []Operation
}

// Add stages an operation. Collaterals run in staging order, reverts in
// reverse staging order.
func (b *Batch) Add(op Operation) {
	b.ops = append(b.ops, op)
}

// Len returns the number of staged operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Executor runs two-phase batches against a store.
type Executor struct {
	store  *store.Store
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(s *store.Store, logger *slog.Logger) *Executor {
	return &Executor{
		store:  s,
		logger: logger.With("component", "twophase"),
	}
}

// Run opens one database transaction and calls build to perform the batch's
// mutations and stage its operations. If build fails, the transaction is
// rolled back and the staged operations' reverts run in reverse order; the
// build error is returned.
//
// If build succeeds the transaction commits and the staged collaterals run
// in order. A collateral failure never rolls back the commit: it is logged,
// that operation's revert runs, and the remaining collaterals still execute.
// The collateral errors are joined into the returned error so callers can
// report the request as failed even though the commit stands.
func (e *Executor) Run(ctx context.Context, build func(tx *gorm.DB, batch *Batch) error) error {
	batch := &Batch{}

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		return build(tx, batch)
	})
	if err != nil {
		for i := len(batch.ops) - 1; i >= 0; i-- {
			e.revert(ctx, batch.ops[i])
		}
		return err
	}

	var collateralErrs []error
	for _, op := range batch.ops {
		if op.Collateral == nil {
			continue
		}
		if cerr := op.Collateral(ctx); cerr != nil {
			e.logger.Error("collateral failed", "operation", op.Name, "error", cerr)
			e.revert(ctx, op)
			collateralErrs = append(collateralErrs, fmt.Errorf("%s: %w", op.Name, cerr))
		}
	}
	return errors.Join(collateralErrs...)
}

func (e *Executor) revert(ctx context.Context, op Operation) {
	if op.Revert == nil {
		return
	}
	if err := op.Revert(ctx); err != nil {
		e.logger.Error("revert failed", "operation", op.Name, "error", err)
	}
}
