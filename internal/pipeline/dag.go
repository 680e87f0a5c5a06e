// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"sort"
)

// Subset returns the steps a run of the given type covers, keyed by uuid.
// The returned steps keep only the incoming connections that are part of
// the subset, so the result is a self-contained graph.
func (d *Definition) Subset(runType RunType, uuids []string) (map[string]Step, error) {
	switch runType {
	case RunTypeFull, "":
		return induced(d.Steps, allUUIDs(d.Steps)), nil
	case RunTypeSelection:
		for _, uuid := range uuids {
			if _, ok := d.Steps[uuid]; !ok {
				return nil, fmt.Errorf("selected step %s does not exist", uuid)
			}
		}
		return induced(d.Steps, uuids), nil
	case RunTypeIncoming:
		ancestors, err := d.ancestors(uuids)
		if err != nil {
			return nil, err
		}
		return induced(d.Steps, ancestors), nil
	default:
		return nil, fmt.Errorf("unknown run type %q", runType)
	}
}

// ancestors walks incoming connections from the given steps and returns
// every transitive parent, excluding the given steps themselves.
func (d *Definition) ancestors(uuids []string) ([]string, error) {
	selected := map[string]struct{}{}
	for _, uuid := range uuids {
		if _, ok := d.Steps[uuid]; !ok {
			return nil, fmt.Errorf("selected step %s does not exist", uuid)
		}
		selected[uuid] = struct{}{}
	}
	seen := map[string]struct{}{}
	queue := append([]string{}, uuids...)
	for len(queue) > 0 {
		uuid := queue[0]
		queue = queue[1:]
		for _, parent := range d.Steps[uuid].IncomingConnections {
			if _, done := seen[parent]; done {
				continue
			}
			seen[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}
	result := make([]string, 0, len(seen))
	for uuid := range seen {
		if _, isSelected := selected[uuid]; isSelected {
			continue
		}
		result = append(result, uuid)
	}
	return result, nil
}

// induced builds the subgraph on the given uuids, dropping connections
// that leave the subset.
func induced(steps map[string]Step, uuids []string) map[string]Step {
	subset := make(map[string]Step, len(uuids))
	for _, uuid := range uuids {
		subset[uuid] = steps[uuid]
	}
	for uuid, step := range subset {
		var kept []string
		for _, parent := range step.IncomingConnections {
			if _, ok := subset[parent]; ok {
				kept = append(kept, parent)
			}
		}
		step.IncomingConnections = kept
		subset[uuid] = step
	}
	return subset
}

func allUUIDs(steps map[string]Step) []string {
	uuids := make([]string, 0, len(steps))
	for uuid := range steps {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// Waves layers the steps into execution order: every step in wave n only
// depends on steps in earlier waves, so each wave can run in parallel once
// the previous one finished. Step uuids within a wave are sorted to keep
// the order deterministic. A cycle is an error.
func Waves(steps map[string]Step) ([][]string, error) {
	indegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for uuid, step := range steps {
		indegree[uuid] += 0
		for _, parent := range step.IncomingConnections {
			indegree[uuid]++
			children[parent] = append(children[parent], uuid)
		}
	}

	var waves [][]string
	var current []string
	for uuid, degree := range indegree {
		if degree == 0 {
			current = append(current, uuid)
		}
	}
	placed := 0
	for len(current) > 0 {
		sort.Strings(current)
		waves = append(waves, current)
		placed += len(current)
		var next []string
		for _, uuid := range current {
			for _, child := range children[uuid] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	if placed != len(steps) {
		return nil, fmt.Errorf("pipeline graph contains a cycle")
	}
	return waves, nil
}
