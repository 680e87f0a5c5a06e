// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagelock pins pipeline runs to concrete image ids. A run must
// keep using the exact images it resolved at creation time, even when a
// concurrent build replaces them and the garbage collector reclaims the
// now-nameless originals. The committed mapping rows double as the lock the
// collector honors.
package imagelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/store"
)

// ErrImageNotFound is returned when an environment has no image under its
// canonical name, typically because it was never built.
var ErrImageNotFound = errors.New("environment image not found")

// Resolver is the part of the container runtime the locker needs.
type Resolver interface {
	ResolveImageID(ctx context.Context, ref string) (string, error)
}

// Locker implements the image locking protocol for pipeline runs.
type Locker struct {
	store  *store.Store
	images Resolver
	logger *slog.Logger
}

func New(st *store.Store, images Resolver, logger *slog.Logger) *Locker {
	return &Locker{
		store:  st,
		images: images,
		logger: logger.With("component", "imagelock"),
	}
}

// Resolve maps every environment uuid to the image id its canonical name
// currently points to. Environments without an image are collected into a
// single ErrImageNotFound naming all of them.
func (l *Locker) Resolve(ctx context.Context, projectUUID string, envUUIDs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(envUUIDs))
	var missing []string
	for _, envUUID := range envUUIDs {
		name := labels.EnvironmentImageName(projectUUID, envUUID)
		imageID, err := l.images.ResolveImageID(ctx, name)
		switch {
		case errors.Is(err, docker.ErrNotFound):
			missing = append(missing, envUUID)
		case err != nil:
			return nil, fmt.Errorf("resolving image %s: %w", name, err)
		default:
			resolved[envUUID] = imageID
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: environments %s", ErrImageNotFound, strings.Join(missing, ", "))
	}
	return resolved, nil
}

// Lock records which image id the run will use for each environment and
// returns the final mapping. The run row must already be committed, since
// only a mapping row joined to a non-terminal run protects an image from
// the garbage collector.
//
// A build can rename an image between our read and our insert, leaving the
// freshly written mapping pointing at a nameless image the collector may
// already have removed. Re-resolving after the insert and updating any
// changed rows closes that window. Builds commit monotonically, so the loop
// reaches a steady state after finitely many iterations.
func (l *Locker) Lock(ctx context.Context, runUUID, projectUUID string, envUUIDs []string) (map[string]string, error) {
	current, err := l.Resolve(ctx, projectUUID, envUUIDs)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return current, nil
	}

	rows := make([]store.PipelineRunImageMapping, 0, len(current))
	for envUUID, imageID := range current {
		rows = append(rows, store.PipelineRunImageMapping{
			RunUUID:                runUUID,
			OrchestEnvironmentUUID: envUUID,
			DockerImgID:            imageID,
		})
	}
	if err := l.store.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("inserting image mappings: %w", err)
	}

	for {
		latest, err := l.Resolve(ctx, projectUUID, envUUIDs)
		if err != nil {
			return nil, err
		}
		if sameValueSet(current, latest) {
			return current, nil
		}
		l.logger.Debug("image ids moved during lock, converging",
			"run_uuid", runUUID, "project_uuid", projectUUID)
		for envUUID, imageID := range latest {
			if current[envUUID] == imageID {
				continue
			}
			err := l.store.WithContext(ctx).
				Model(&store.PipelineRunImageMapping{}).
				Where("run_uuid = ? AND orchest_environment_uuid = ?", runUUID, envUUID).
				Update("docker_img_id", imageID).Error
			if err != nil {
				return nil, fmt.Errorf("updating image mapping for environment %s: %w", envUUID, err)
			}
		}
		current = latest
	}
}

// sameValueSet compares the sets of image ids two resolutions point at.
func sameValueSet(a, b map[string]string) bool {
	av := make(map[string]struct{}, len(a))
	for _, v := range a {
		av[v] = struct{}{}
	}
	bv := make(map[string]struct{}, len(b))
	for _, v := range b {
		bv[v] = struct{}{}
	}
	if len(av) != len(bv) {
		return false
	}
	for v := range av {
		if _, ok := bv[v]; !ok {
			return false
		}
	}
	return true
}
