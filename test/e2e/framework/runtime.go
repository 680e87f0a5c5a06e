// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package framework

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/orchest/orchest/internal/docker"
)

// FakeRuntime is an in-memory container engine. It implements the image
// and container client interfaces of the services package and the Runtime
// interface of the worker package, so one instance backs both the facade
// and the worker pool of the suite.
//
// Tagging follows the daemon's semantics: building under an existing tag
// moves the tag to the new image and leaves the previous one nameless.
type FakeRuntime struct {
	mu         sync.Mutex
	seq        int
	refs       map[string]string
	images     []image.Summary
	containers []container.Summary
	buildDelay time.Duration
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{refs: map[string]string{}}
}

// SetBuildDelay makes subsequent BuildImage calls take at least d, which
// lets tests keep a build in flight while they act on it.
func (f *FakeRuntime) SetBuildDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildDelay = d
}

// AddImage seeds an image without going through a build.
func (f *FakeRuntime) AddImage(id string, tags []string, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, image.Summary{ID: id, RepoTags: tags, Labels: labels})
	for _, tag := range tags {
		f.refs[tag] = id
	}
}

// HasImage reports whether an image with the given id is still present.
func (f *FakeRuntime) HasImage(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if img.ID == id {
			return true
		}
	}
	return false
}

// ContainerCount returns how many containers currently exist.
func (f *FakeRuntime) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// BuildImage consumes the build context and mints a new image carrying the
// requested tags and labels. A line of fake progress goes to sink so log
// streaming paths are exercised.
func (f *FakeRuntime) BuildImage(ctx context.Context, buildContext io.Reader, opts docker.BuildOptions, sink func(line string)) (string, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return "", err
	}
	f.mu.Lock()
	delay := f.buildDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("sha256:fake%04d", f.seq)
	for _, tag := range opts.Tags {
		if previous, ok := f.refs[tag]; ok {
			f.untagLocked(previous, tag)
		}
		f.refs[tag] = id
	}
	f.images = append(f.images, image.Summary{
		ID:       id,
		RepoTags: append([]string(nil), opts.Tags...),
		Labels:   opts.Labels,
	})
	if sink != nil {
		sink(fmt.Sprintf("Successfully built %s", id))
	}
	return id, nil
}

func (f *FakeRuntime) untagLocked(id, tag string) {
	for i := range f.images {
		if f.images[i].ID != id {
			continue
		}
		kept := f.images[i].RepoTags[:0]
		for _, t := range f.images[i].RepoTags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		f.images[i].RepoTags = kept
	}
}

func (f *FakeRuntime) ResolveImageID(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *FakeRuntime) ListImages(_ context.Context, labelFilters map[string]string) ([]image.Summary, error) {
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

func (f *FakeRuntime) RemoveImage(_ context.Context, ref string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ref
	if resolved, ok := f.refs[ref]; ok {
		id = resolved
	}
	kept := f.images[:0]
	for _, img := range f.images {
		if img.ID != id {
			kept = append(kept, img)
			continue
		}
		for _, tag := range img.RepoTags {
			delete(f.refs, tag)
		}
	}
	f.images = kept
	return nil
}

func (f *FakeRuntime) RunContainer(_ context.Context, spec docker.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ctr-%04d", f.seq)
	f.containers = append(f.containers, container.Summary{
		ID:     id,
		Names:  []string{"/" + spec.Name},
		Image:  spec.Image,
		Labels: spec.Labels,
	})
	return id, nil
}

func (f *FakeRuntime) WaitContainer(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, _ string, _ int) error {
	return nil
}

func (f *FakeRuntime) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.containers[:0]
	for _, c := range f.containers {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	f.containers = kept
	return nil
}

func (f *FakeRuntime) InspectContainer(_ context.Context, _ string) (container.InspectResponse, error) {
	return container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			DefaultNetworkSettings: container.DefaultNetworkSettings{IPAddress: "172.17.0.9"},
		},
	}, nil
}

func (f *FakeRuntime) ListContainers(_ context.Context, labelFilters map[string]string, _ bool) ([]container.Summary, error) {
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

func labelsMatch(labels, filters map[string]string) bool {
	for key, value := range filters {
		if labels[key] != value {
			return false
		}
	}
	return true
}
