// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvironmentImageName(t *testing.T) {
	name := EnvironmentImageName("proj-1", "env-1")
	assert.Equal(t, "orchest-env-proj-1-env-1", name)
}

func TestTruncateUUID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "full uuid is truncated to 18 chars",
			in:   "7a4e3cdc-9e0b-4ba0-8b21-a1d4851e2e1a",
			want: "7a4e3cdc-9e0b-4ba0",
		},
		{
			name: "short value is returned unchanged",
			in:   "abc",
			want: "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateUUID(tt.in)
			assert.Equal(t, tt.want, got)
			assert.False(t, len(got) > 0 && got[len(got)-1] == '-')
		})
	}
}

func TestContainerNames(t *testing.T) {
	p := "11111111-2222-3333-4444-555555555555"
	pl := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

	assert.Equal(t, "orchest-step-run-1-step-1", StepContainerName("run-1", "step-1"))
	assert.Equal(t, "jupyter-server-11111111-2222-3333-aaaaaaaa-bbbb-cccc", JupyterServerName(p, pl))
	assert.Equal(t, "jupyter-EG-11111111-2222-3333-aaaaaaaa-bbbb-cccc", JupyterEGName(p, pl))
}

func TestBuildLabels(t *testing.T) {
	got := BuildLabels("task-1", "proj-1", "env-1", false)
	assert.Equal(t, map[string]string{
		LabelKeyBuildTaskUUID:       "task-1",
		LabelKeyBuildIsIntermediate: "0",
		LabelKeyProjectUUID:         "proj-1",
		LabelKeyEnvironmentUUID:     "env-1",
	}, got)

	intermediate := BuildLabels("task-1", "proj-1", "env-1", true)
	assert.Equal(t, "1", intermediate[LabelKeyBuildIsIntermediate])
}
