// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/require"

	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
)

// fakeDocker stands in for the container runtime adapter. Images and
// containers live in slices the tests seed and inspect.
type fakeDocker struct {
	mu                sync.Mutex
	refs              map[string]string
	images            []image.Summary
	removedImages     []string
	runSpecs          []docker.RunSpec
	runErrFor         map[string]error
	containers        []container.Summary
	stopped           []string
	removedContainers []string
	inspectIP         string
	resolveCalls      int
	resolveFailAfter  int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		refs:      map[string]string{},
		runErrFor: map[string]error{},
		inspectIP: "172.17.0.9",
	}
}

func (f *fakeDocker) addImage(id string, tags []string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, image.Summary{ID: id, RepoTags: tags, Labels: labels})
	for _, tag := range tags {
		f.refs[tag] = id
	}
}

func (f *fakeDocker) retag(id string, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.refs[tag]; ok {
		for i := range f.images {
			if f.images[i].ID != old {
				continue
			}
			var kept []string
			for _, t := range f.images[i].RepoTags {
				if t != tag {
					kept = append(kept, t)
				}
			}
			f.images[i].RepoTags = kept
		}
	}
	f.refs[tag] = id
	for i := range f.images {
		if f.images[i].ID == id {
			f.images[i].RepoTags = append(f.images[i].RepoTags, tag)
		}
	}
}

// failResolveAfter makes ResolveImageID answer not-found once it has
// resolved calls references, standing in for an image disappearing between
// two resolutions.
func (f *fakeDocker) failResolveAfter(calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveFailAfter = calls
}

func (f *fakeDocker) ResolveImageID(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if f.resolveFailAfter > 0 && f.resolveCalls > f.resolveFailAfter {
		return "", fmt.Errorf("image %s: %w", ref, docker.ErrNotFound)
	}
	if id, ok := f.refs[ref]; ok {
		return id, nil
	}
	for _, img := range f.images {
		if img.ID == ref {
			return img.ID, nil
		}
	}
	return "", fmt.Errorf("image %s: %w", ref, docker.ErrNotFound)
}

func (f *fakeDocker) ListImages(_ context.Context, labelFilters map[string]string) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []image.Summary
	for _, img := range f.images {
		if labelsMatch(img.Labels, labelFilters) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeDocker) RemoveImage(_ context.Context, ref string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ref
	if resolved, ok := f.refs[ref]; ok {
		id = resolved
	}
	var kept []image.Summary
	found := false
	for _, img := range f.images {
		if img.ID == id {
			found = true
			continue
		}
		kept = append(kept, img)
	}
	if !found {
		// Mirrors the real adapter: a missing image counts as removed.
		return nil
	}
	f.images = kept
	for tag, target := range f.refs {
		if target == id {
			delete(f.refs, tag)
		}
	}
	f.removedImages = append(f.removedImages, id)
	return nil
}

func (f *fakeDocker) RunContainer(_ context.Context, spec docker.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.runErrFor[spec.Name]; err != nil {
		return "", err
	}
	f.runSpecs = append(f.runSpecs, spec)
	id := "ctr-" + spec.Name
	f.containers = append(f.containers, container.Summary{
		ID:     id,
		Names:  []string{"/" + spec.Name},
		Labels: spec.Labels,
	})
	return id, nil
}

func (f *fakeDocker) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []container.Summary
	for _, c := range f.containers {
		if c.ID == id {
			continue
		}
		kept = append(kept, c)
	}
	f.containers = kept
	f.removedContainers = append(f.removedContainers, id)
	return nil
}

func (f *fakeDocker) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	return container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			DefaultNetworkSettings: container.DefaultNetworkSettings{
				IPAddress: f.inspectIP,
			},
		},
	}, nil
}

func (f *fakeDocker) ListContainers(_ context.Context, labelFilters map[string]string, _ bool) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.containers {
		if labelsMatch(c.Labels, labelFilters) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDocker) addContainer(id string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = append(f.containers, container.Summary{ID: id, Labels: labels})
}

func labelsMatch(labels, filters map[string]string) bool {
	for key, value := range filters {
		if labels[key] != value {
			return false
		}
	}
	return true
}

func newTestServices(t *testing.T) (*Services, *store.Store, *fakeDocker) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "orchest.db"),
	})
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := newFakeDocker()
	svcs := New(Dependencies{
		Store:      st,
		Bus:        taskbus.New(st, logger),
		Images:     fake,
		Containers: fake,
		Logger:     logger,
	})
	return svcs, st, fake
}

// testDefinition is a two-step pipeline, "prep" feeding "train", with both
// steps on environment env-1.
func testDefinition(pipelineUUID string) map[string]any {
	return map[string]any{
		"uuid": pipelineUUID,
		"name": "training",
		"steps": map[string]any{
			"step-prep": map[string]any{
				"uuid":                 "step-prep",
				"title":                "Prepare data",
				"file_path":            "prep.ipynb",
				"environment":          "env-1",
				"incoming_connections": []any{},
			},
			"step-train": map[string]any{
				"uuid":                 "step-train",
				"title":                "Train model",
				"file_path":            "train.ipynb",
				"environment":          "env-1",
				"incoming_connections": []any{"step-prep"},
			},
		},
	}
}

func taskByUUID(t *testing.T, st *store.Store, uuid string) *store.Task {
	t.Helper()
	var task store.Task
	err := st.DB().First(&task, "uuid = ?", uuid).Error
	if err != nil {
		return nil
	}
	return &task
}
