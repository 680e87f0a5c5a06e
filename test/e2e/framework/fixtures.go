// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package framework

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteEnvironment lays down the on-disk description of an environment the
// way the webserver does: properties.json under
// <projectsDir>/<projectPath>/.orchest/environments/<envUUID>/.
func WriteEnvironment(projectsDir, projectPath, envUUID, baseImage string) error {
	envDir := filepath.Join(projectsDir, projectPath, ".orchest", "environments", envUUID)
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return err
	}
	props := map[string]any{
		"uuid":       envUUID,
		"name":       "env-" + envUUID[:8],
		"base_image": baseImage,
		"language":   "python",
	}
	data, err := json.Marshal(props)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(envDir, "properties.json"), data, 0o644)
}

// WriteJupyterSetup creates the .orchest directory of the user dir that
// Jupyter builds use as their build context.
func WriteJupyterSetup(userDir string) error {
	setupDir := filepath.Join(userDir, ".orchest")
	if err := os.MkdirAll(setupDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(setupDir, "setup_script.sh"), []byte("pip install scikit-learn\n"), 0o644)
}

// TwoStepPipeline builds a pipeline definition document with stepB
// consuming the output of stepA, both on the same environment.
func TwoStepPipeline(pipelineUUID, envUUID, stepA, stepB string) map[string]any {
	return map[string]any{
		"uuid":    pipelineUUID,
		"name":    "e2e pipeline",
		"version": "1.0.0",
		"steps": map[string]any{
			stepA: map[string]any{
				"uuid":                 stepA,
				"title":                "preprocess",
				"file_path":            "preprocess.ipynb",
				"environment":          envUUID,
				"kernel":               map[string]any{"name": "python"},
				"incoming_connections": []any{},
			},
			stepB: map[string]any{
				"uuid":                 stepB,
				"title":                "train",
				"file_path":            "train.ipynb",
				"environment":          envUUID,
				"kernel":               map[string]any{"name": "python"},
				"incoming_connections": []any{stepA},
			},
		},
	}
}

// RunConfig returns the run_config document the run worker expects.
func RunConfig(projectsDir, projectPath, pipelinePath string) map[string]any {
	return map[string]any{
		"project_dir":   filepath.Join(projectsDir, projectPath),
		"pipeline_path": pipelinePath,
	}
}

// UUID returns a deterministic 36-character uuid for fixtures, prefixed
// with the given name so failures print recognizable identifiers.
func UUID(name string, n int) string {
	for len(name) < 8 {
		name += "0"
	}
	return fmt.Sprintf("%s-0000-4000-8000-%012d", name[:8], n)
}
