// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive
	. "github.com/onsi/gomega"    //nolint:revive

	"github.com/orchest/orchest/internal/labels"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/test/e2e/framework"
)

// getBuildStatus fetches one environment build and returns its status.
func getBuildStatus(buildUUID string) string {
	resp, err := api.Get("/api/environment-builds/" + buildUUID)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	build, err := framework.Decode[store.EnvironmentBuild](resp)
	Expect(err).NotTo(HaveOccurred())
	return string(build.Status)
}

// createBuild posts one build request and returns the accepted build row.
func createBuild(projectUUID, envUUID, projectPath string) store.EnvironmentBuild {
	resp, err := api.Post("/api/environment-builds", map[string]any{
		"environment_build_requests": []map[string]any{{
			"project_uuid":     projectUUID,
			"environment_uuid": envUUID,
			"project_path":     projectPath,
		}},
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(resp.Body))
	created, err := framework.Decode[struct {
		EnvironmentBuilds []store.EnvironmentBuild `json:"environment_builds"`
	}](resp)
	Expect(err).NotTo(HaveOccurred())
	Expect(created.EnvironmentBuilds).To(HaveLen(1))
	return created.EnvironmentBuilds[0]
}

var _ = Describe("Environment builds", Ordered, func() {
	projectUUID := framework.UUID("envproj", 1)
	envUUID := framework.UUID("envbuild", 1)
	const projectPath = "env-build-project"

	BeforeAll(func() {
		Expect(framework.WriteEnvironment(projectsDir, projectPath, envUUID, "python:3.9")).To(Succeed())
		resp, err := api.Post("/api/projects", map[string]any{
			"uuid": projectUUID,
			"path": projectPath,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
	})

	It("builds the environment image and reports SUCCESS", func() {
		build := createBuild(projectUUID, envUUID, projectPath)
		Expect(string(build.Status)).To(Equal("PENDING"))

		Eventually(func() string {
			return getBuildStatus(build.UUID)
		}).Should(Equal("SUCCESS"))

		_, err := runtime.ResolveImageID(context.Background(), labels.EnvironmentImageName(projectUUID, envUUID))
		Expect(err).NotTo(HaveOccurred(), "canonical image should exist after the build")
	})

	It("shows the finished build as the most recent for the environment", func() {
		resp, err := api.Get("/api/environment-builds/most-recent/" + projectUUID + "/" + envUUID)
		Expect(err).NotTo(HaveOccurred())
		builds, err := framework.DecodeItems[store.EnvironmentBuild](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(builds).To(HaveLen(1))
		Expect(string(builds[0].Status)).To(Equal("SUCCESS"))
	})

	It("aborts the previous build when a new one supersedes it", func() {
		runtime.SetBuildDelay(500 * time.Millisecond)
		defer runtime.SetBuildDelay(0)

		first := createBuild(projectUUID, envUUID, projectPath)
		time.Sleep(50 * time.Millisecond)
		second := createBuild(projectUUID, envUUID, projectPath)

		Eventually(func() string {
			return getBuildStatus(first.UUID)
		}).Should(Equal("ABORTED"))
		Eventually(func() string {
			return getBuildStatus(second.UUID)
		}).Should(Equal("SUCCESS"))
	})

	It("keeps a finished build terminal across further status updates", func() {
		builds, err := framework.DecodeItems[store.EnvironmentBuild](mustGet("/api/environment-builds/most-recent/" + projectUUID + "/" + envUUID))
		Expect(err).NotTo(HaveOccurred())
		Expect(builds).To(HaveLen(1))
		buildUUID := builds[0].UUID
		Expect(getBuildStatus(buildUUID)).To(Equal("SUCCESS"))

		resp, err := api.Put("/api/environment-builds/"+buildUUID, map[string]any{
			"status":        "FAILURE",
			"finished_time": time.Now().UTC().Format(time.RFC3339Nano),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(getBuildStatus(buildUUID)).To(Equal("SUCCESS"))
	})

	It("refuses aborting a build that already finished", func() {
		builds, err := framework.DecodeItems[store.EnvironmentBuild](mustGet("/api/environment-builds/most-recent/" + projectUUID + "/" + envUUID))
		Expect(err).NotTo(HaveOccurred())
		resp, err := api.Delete("/api/environment-builds/" + builds[0].UUID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(getBuildStatus(builds[0].UUID)).To(Equal("SUCCESS"))
	})
})

var _ = Describe("Jupyter builds and sessions", Ordered, func() {
	projectUUID := framework.UUID("jupproj", 1)
	pipelineUUID := framework.UUID("jupline", 1)

	It("refuses a Jupyter build while a session is active", func() {
		resp, err := api.Post("/api/sessions", map[string]any{
			"project_uuid":  projectUUID,
			"pipeline_uuid": pipelineUUID,
			"project_dir":   projectsDir,
			"pipeline_path": "pipeline.orchest",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(resp.Body))
		session, err := framework.Decode[store.InteractiveSession](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(session.Status)).To(Equal("RUNNING"))

		resp, err = api.Post("/api/jupyter-builds", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		Expect(string(resp.Body)).To(ContainSubstring("SessionInProgressException"))

		builds, err := framework.DecodeItems[store.JupyterBuild](mustGet("/api/jupyter-builds/most-recent"))
		Expect(err).NotTo(HaveOccurred())
		Expect(builds).To(BeEmpty(), "no build row may exist after the refusal")
	})

	It("builds the Jupyter image once the session is stopped", func() {
		resp, err := api.Delete("/api/sessions/" + projectUUID + "/" + pipelineUUID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(resp.Body))

		resp, err = api.Post("/api/jupyter-builds", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(resp.Body))
		build, err := framework.Decode[store.JupyterBuild](resp)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			got, err := framework.Decode[store.JupyterBuild](mustGet("/api/jupyter-builds/" + build.UUID))
			Expect(err).NotTo(HaveOccurred())
			return string(got.Status)
		}).Should(Equal("SUCCESS"))

		_, err = runtime.ResolveImageID(context.Background(), labels.JupyterImage)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("Pipeline runs", Ordered, func() {
	projectUUID := framework.UUID("runproj", 1)
	envUUID := framework.UUID("runenv00", 1)
	pipelineUUID := framework.UUID("runline", 1)
	stepA := framework.UUID("stepaaaa", 1)
	stepB := framework.UUID("stepbbbb", 1)
	const projectPath = "run-project"

	definition := framework.TwoStepPipeline(pipelineUUID, envUUID, stepA, stepB)
	var runUUID string

	runBody := func() map[string]any {
		return map[string]any{
			"project_uuid":        projectUUID,
			"run_type":            "full",
			"pipeline_definition": definition,
			"run_config":          framework.RunConfig(projectsDir, projectPath, "pipeline.orchest"),
		}
	}

	It("rejects a run whose environment was never built", func() {
		resp, err := api.Post("/api/runs", runBody())
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		Expect(resp.Code).To(Equal("IMAGE_NOT_FOUND"))
	})

	It("runs the pipeline once the environment image exists", func() {
		Expect(framework.WriteEnvironment(projectsDir, projectPath, envUUID, "python:3.9")).To(Succeed())
		build := createBuild(projectUUID, envUUID, projectPath)
		Eventually(func() string {
			return getBuildStatus(build.UUID)
		}).Should(Equal("SUCCESS"))

		resp, err := api.Post("/api/runs", runBody())
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(resp.Body))
		run, err := framework.Decode[store.PipelineRun](resp)
		Expect(err).NotTo(HaveOccurred())
		runUUID = run.UUID

		var mappings []store.PipelineRunImageMapping
		Expect(st.DB().Find(&mappings, "run_uuid = ?", runUUID).Error).To(Succeed())
		Expect(mappings).To(HaveLen(1), "one lock row per referenced environment")
		Expect(mappings[0].OrchestEnvironmentUUID).To(Equal(envUUID))
		Expect(mappings[0].DockerImgID).NotTo(BeEmpty())

		Eventually(func() string {
			got, err := framework.Decode[store.PipelineRun](mustGet("/api/runs/" + runUUID))
			Expect(err).NotTo(HaveOccurred())
			return string(got.Status)
		}).Should(Equal("SUCCESS"))

		got, err := framework.Decode[store.PipelineRun](mustGet("/api/runs/" + runUUID))
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Steps).To(HaveLen(2))
		for _, step := range got.Steps {
			Expect(string(step.Status)).To(Equal("SUCCESS"))
		}
		Expect(runtime.ContainerCount()).To(BeZero(), "step containers are removed after the run")
	})

	It("drops status updates against the finished run", func() {
		resp, err := api.Put("/api/runs/"+runUUID, map[string]any{
			"status":        "FAILURE",
			"finished_time": time.Now().UTC().Format(time.RFC3339Nano),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		got, err := framework.Decode[store.PipelineRun](mustGet("/api/runs/" + runUUID))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got.Status)).To(Equal("SUCCESS"))
	})
})

var _ = Describe("Jobs", Ordered, func() {
	projectUUID := framework.UUID("jobproj", 1)
	envUUID := framework.UUID("jobenv00", 1)
	pipelineUUID := framework.UUID("jobline", 1)
	stepA := framework.UUID("jobstepa", 1)
	stepB := framework.UUID("jobstepb", 1)
	const projectPath = "job-project"

	var jobUUID string

	type jobView struct {
		Status       string              `json:"status"`
		PipelineRuns []store.PipelineRun `json:"pipeline_runs"`
	}

	getJob := func() jobView {
		view, err := framework.Decode[jobView](mustGet("/api/jobs/" + jobUUID))
		Expect(err).NotTo(HaveOccurred())
		return view
	}

	BeforeAll(func() {
		Expect(framework.WriteEnvironment(projectsDir, projectPath, envUUID, "python:3.9")).To(Succeed())
		build := createBuild(projectUUID, envUUID, projectPath)
		Eventually(func() string {
			return getBuildStatus(build.UUID)
		}).Should(Equal("SUCCESS"))
	})

	It("creates a one-shot job as a draft", func() {
		resp, err := api.Post("/api/jobs", map[string]any{
			"project_uuid":        projectUUID,
			"pipeline_uuid":       pipelineUUID,
			"pipeline_definition": framework.TwoStepPipeline(pipelineUUID, envUUID, stepA, stepB),
			"pipeline_run_spec": map[string]any{
				"run_type":   "full",
				"run_config": framework.RunConfig(projectsDir, projectPath, "pipeline.orchest"),
			},
			"job_parameters": []map[string]any{
				{"learning_rate": 0.1},
				{"learning_rate": 0.01},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(resp.Body))
		job, err := framework.Decode[store.Job](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(job.Status)).To(Equal("DRAFT"))
		jobUUID = job.UUID
	})

	It("materializes one run per parameter set once confirmed", func() {
		resp, err := api.Put("/api/jobs/"+jobUUID, map[string]any{"confirm_draft": true})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(resp.Body))
		job, err := framework.Decode[store.Job](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(job.Status)).To(Equal("PENDING"))
		Expect(job.NextScheduledTime).NotTo(BeNil())

		// The recurring scheduler picks the job up on its next pass.
		Eventually(func() int {
			return len(getJob().PipelineRuns)
		}, 30*time.Second).Should(Equal(2))

		view := getJob()
		Expect(view.Status).To(BeElementOf("STARTED", "SUCCESS"))
		for _, run := range view.PipelineRuns {
			Expect(run.JobScheduleNumber).To(Equal(0))
		}

		Eventually(func() []string {
			var statuses []string
			for _, run := range getJob().PipelineRuns {
				statuses = append(statuses, string(run.Status))
			}
			return statuses
		}, 30*time.Second).Should(ConsistOf("SUCCESS", "SUCCESS"))
	})

	It("settles the job once all runs finished", func() {
		Eventually(func() string {
			return getJob().Status
		}).Should(Equal("SUCCESS"))
	})

	It("does not trigger the one-shot job a second time", func() {
		Consistently(func() int {
			return len(getJob().PipelineRuns)
		}, 3*time.Second, 500*time.Millisecond).Should(Equal(2))
	})

	It("deletes the job together with its runs", func() {
		resp, err := api.Delete("/api/jobs/cleanup/" + jobUUID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(resp.Body))

		resp, err = api.Get("/api/jobs/" + jobUUID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		var count int64
		Expect(st.DB().Model(&store.PipelineRun{}).Where("job_uuid = ?", jobUUID).Count(&count).Error).To(Succeed())
		Expect(count).To(BeZero())
	})
})

var _ = Describe("Image garbage collection", func() {
	projectUUID := framework.UUID("gcproj00", 1)
	envUUID := framework.UUID("gcenv000", 1)

	gcLabels := func() map[string]string {
		return map[string]string{
			labels.LabelKeyBuildIsIntermediate: labels.LabelValueFinal,
			labels.LabelKeyProjectUUID:         projectUUID,
			labels.LabelKeyEnvironmentUUID:     envUUID,
		}
	}

	It("removes a dangling image nothing references", func() {
		runtime.AddImage("sha256:gc-dangling", nil, gcLabels())

		resp, err := api.Delete("/api/environment-images/dangling/" + projectUUID + "/" + envUUID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(resp.Body))
		Expect(runtime.HasImage("sha256:gc-dangling")).To(BeFalse())
	})

	It("keeps a nameless image an active run still references", func() {
		runtime.AddImage("sha256:gc-locked", nil, gcLabels())
		runUUID := framework.UUID("gcrun000", 1)
		Expect(st.DB().Create(&store.PipelineRun{
			UUID:         runUUID,
			ProjectUUID:  projectUUID,
			PipelineUUID: framework.UUID("gcline00", 1),
			Status:       store.StatusPending,
			Kind:         store.RunKindInteractive,
		}).Error).To(Succeed())
		Expect(st.DB().Create(&store.PipelineRunImageMapping{
			RunUUID:                runUUID,
			OrchestEnvironmentUUID: envUUID,
			DockerImgID:            "sha256:gc-locked",
		}).Error).To(Succeed())

		resp, err := api.Delete("/api/environment-images/dangling/" + projectUUID + "/" + envUUID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK), string(resp.Body))
		Expect(runtime.HasImage("sha256:gc-locked")).To(BeTrue(),
			"the mapping row of the pending run protects the image")
	})
})

// mustGet fetches a path and asserts a 200.
func mustGet(path string) *framework.Response {
	resp, err := api.Get(path)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusOK), string(resp.Body))
	return resp
}

var _ = Describe("Run listing", func() {
	It("filters runs by project", func() {
		resp, err := api.Get("/api/runs?project_uuid=" + framework.UUID("norunsxx", 9))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		runs, err := framework.DecodeItems[store.PipelineRun](resp)
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(BeEmpty())
	})
})
