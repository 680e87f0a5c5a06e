// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

// Package labels defines the docker labels and naming conventions that tie
// images and containers back to the Orchest resources that own them.
package labels

import "fmt"

const (
	// LabelKeyBuildTaskUUID marks every image published by an environment
	// build with the uuid of the build task that produced it.
	LabelKeyBuildTaskUUID = "_orchest_env_build_task_uuid"

	// LabelKeyBuildIsIntermediate is "1" on images produced by intermediate
	// build stages and "0" on the final environment image.
	LabelKeyBuildIsIntermediate = "_orchest_env_build_is_intermediate"

	// LabelKeyJupyterBuildTaskUUID marks the user-configured Jupyter image
	// with the build task that produced it.
	LabelKeyJupyterBuildTaskUUID = "_orchest_jupyter_build_task_uuid"

	// LabelKeyRunUUID and LabelKeyStepUUID tie a step container to the
	// pipeline run it belongs to.
	LabelKeyRunUUID  = "_orchest_pipeline_run_uuid"
	LabelKeyStepUUID = "_orchest_pipeline_step_uuid"

	LabelKeyProjectUUID     = "_orchest_project_uuid"
	LabelKeyPipelineUUID    = "_orchest_pipeline_uuid"
	LabelKeyEnvironmentUUID = "_orchest_environment_uuid"

	LabelValueIntermediate = "1"
	LabelValueFinal        = "0"
)

// JupyterImage is the canonical name of the user-configured Jupyter server
// image produced by a Jupyter build.
const JupyterImage = "orchest-jupyter-server-user-configured"

// TruncatedUUIDLength is how many characters of a uuid are embedded into
// hostnames. 18 characters of a v4 uuid never end in a hyphen.
const TruncatedUUIDLength = 18

// EnvironmentImageName returns the canonical name of the image that
// materializes an environment.
func EnvironmentImageName(projectUUID, environmentUUID string) string {
	return fmt.Sprintf("orchest-env-%s-%s", projectUUID, environmentUUID)
}

// StepContainerName returns the name of the container running a pipeline
// step within a run.
func StepContainerName(runUUID, stepUUID string) string {
	return fmt.Sprintf("orchest-step-%s-%s", runUUID, stepUUID)
}

// JupyterServerName returns the name of the notebook server container of an
// interactive session.
func JupyterServerName(projectUUID, pipelineUUID string) string {
	return fmt.Sprintf("jupyter-server-%s-%s", TruncateUUID(projectUUID), TruncateUUID(pipelineUUID))
}

// JupyterEGName returns the name of the kernel gateway container of an
// interactive session.
func JupyterEGName(projectUUID, pipelineUUID string) string {
	return fmt.Sprintf("jupyter-EG-%s-%s", TruncateUUID(projectUUID), TruncateUUID(pipelineUUID))
}

// TruncateUUID shortens a uuid for use inside hostnames.
func TruncateUUID(uuid string) string {
	if len(uuid) <= TruncatedUUIDLength {
		return uuid
	}
	return uuid[:TruncatedUUIDLength]
}

// RunLabels returns the label set stamped onto a step container so cleanup
// can find everything a run left behind.
func RunLabels(runUUID, stepUUID string) map[string]string {
	return map[string]string{
		LabelKeyRunUUID:  runUUID,
		LabelKeyStepUUID: stepUUID,
	}
}

// SessionLabels returns the label set stamped onto the containers of an
// interactive session.
func SessionLabels(projectUUID, pipelineUUID string) map[string]string {
	return map[string]string{
		LabelKeyProjectUUID:  projectUUID,
		LabelKeyPipelineUUID: pipelineUUID,
	}
}

// BuildLabels returns the label set stamped onto images produced by an
// environment build.
func BuildLabels(taskUUID, projectUUID, environmentUUID string, intermediate bool) map[string]string {
	value := LabelValueFinal
	if intermediate {
		value = LabelValueIntermediate
	}
	return map[string]string{
		LabelKeyBuildTaskUUID:       taskUUID,
		LabelKeyBuildIsIntermediate: value,
		LabelKeyProjectUUID:         projectUUID,
		LabelKeyEnvironmentUUID:     environmentUUID,
	}
}
