// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline holds the pipeline definition document and the graph
// operations the run workers need: extracting referenced environments,
// selecting the steps a partial run covers and layering steps into
// execution waves.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RunType selects which part of the pipeline a run covers.
type RunType string

const (
	// RunTypeFull runs every step.
	RunTypeFull RunType = "full"
	// RunTypeSelection runs exactly the given steps, keeping only the
	// dependencies among them.
	RunTypeSelection RunType = "selection"
	// RunTypeIncoming runs the ancestors of the given steps, excluding
	// the steps themselves.
	RunTypeIncoming RunType = "incoming"
)

// environmentImagePrefix marks a service image that refers to a project
// environment instead of a registry image.
const environmentImagePrefix = "environment@"

// Definition is the pipeline.json document.
type Definition struct {
	UUID       string             `json:"uuid"`
	Name       string             `json:"name"`
	Version    string             `json:"version,omitempty"`
	Parameters map[string]any     `json:"parameters,omitempty"`
	Settings   Settings           `json:"settings,omitempty"`
	Steps      map[string]Step    `json:"steps"`
	Services   map[string]Service `json:"services,omitempty"`
}

// Settings are pipeline-level execution settings.
type Settings struct {
	AutoEviction          bool   `json:"auto_eviction,omitempty"`
	DataPassingMemorySize string `json:"data_passing_memory_size,omitempty"`
}

// Step is a single node of the pipeline graph. IncomingConnections lists
// the uuids of the steps it consumes data from.
type Step struct {
	UUID                string         `json:"uuid"`
	Title               string         `json:"title"`
	FilePath            string         `json:"file_path"`
	Environment         string         `json:"environment"`
	Kernel              Kernel         `json:"kernel"`
	IncomingConnections []string       `json:"incoming_connections"`
	Parameters          map[string]any `json:"parameters,omitempty"`
}

// Kernel names the Jupyter kernel a step runs on.
type Kernel struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
}

// Service is a user-defined sidecar that runs next to the pipeline, such
// as a database or a tensorboard.
type Service struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      string            `json:"command,omitempty"`
	Scope        []string          `json:"scope,omitempty"`
	Ports        []int             `json:"ports,omitempty"`
	EnvVariables map[string]string `json:"env_variables,omitempty"`
}

// InScope reports whether the service should run for the given scope,
// "interactive" or "noninteractive". A service without an explicit scope
// runs in both.
func (s Service) InScope(scope string) bool {
	if len(s.Scope) == 0 {
		return true
	}
	for _, entry := range s.Scope {
		if entry == scope {
			return true
		}
	}
	return false
}

// Parse decodes and validates a pipeline definition document.
func Parse(doc []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("decoding pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// FromMap decodes a definition that was stored as a JSON object, such as
// the snapshot on a job row or a task payload.
func FromMap(m map[string]any) (*Definition, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding pipeline definition: %w", err)
	}
	return Parse(raw)
}

// Validate checks referential integrity of the step graph. Cycles are
// caught later by Waves, which has to walk the graph anyway.
func (d *Definition) Validate() error {
	if d.UUID == "" {
		return fmt.Errorf("pipeline definition has no uuid")
	}
	for uuid, step := range d.Steps {
		if step.UUID != "" && step.UUID != uuid {
			return fmt.Errorf("step %s: key does not match uuid %s", uuid, step.UUID)
		}
		for _, parent := range step.IncomingConnections {
			if _, ok := d.Steps[parent]; !ok {
				return fmt.Errorf("step %s: incoming connection %s does not exist", uuid, parent)
			}
		}
	}
	return nil
}

// EnvironmentUUIDs returns the sorted set of environments the pipeline
// references, from its steps and from services whose image points at an
// environment.
func (d *Definition) EnvironmentUUIDs() []string {
	set := map[string]struct{}{}
	for _, step := range d.Steps {
		if step.Environment != "" {
			set[step.Environment] = struct{}{}
		}
	}
	for _, service := range d.Services {
		if envUUID, ok := ServiceImageEnvironment(service.Image); ok {
			set[envUUID] = struct{}{}
		}
	}
	uuids := make([]string, 0, len(set))
	for uuid := range set {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}

// ServiceImageEnvironment extracts the environment uuid from a service
// image reference of the form "environment@<uuid>".
func ServiceImageEnvironment(image string) (string, bool) {
	if !strings.HasPrefix(image, environmentImagePrefix) {
		return "", false
	}
	uuid := strings.TrimPrefix(image, environmentImagePrefix)
	if uuid == "" {
		return "", false
	}
	return uuid, true
}
