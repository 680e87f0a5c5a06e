// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive
	. "github.com/onsi/gomega"    //nolint:revive

	"github.com/orchest/orchest/internal/apiclient"
	"github.com/orchest/orchest/internal/logstream"
	"github.com/orchest/orchest/internal/orchest-api/handlers"
	"github.com/orchest/orchest/internal/orchest-api/services"
	"github.com/orchest/orchest/internal/scheduler"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
	"github.com/orchest/orchest/internal/worker"
	"github.com/orchest/orchest/test/e2e/framework"
)

// The suite runs the full control plane in-process: sqlite state store,
// HTTP facade over httptest, a worker pool against the fake runtime and
// the recurring scheduler. Only the container engine is faked.
var (
	api         *framework.Client
	runtime     *framework.FakeRuntime
	st          *store.Store
	svcs        *services.Services
	projectsDir string

	httpSrv *httptest.Server
	stopAll context.CancelFunc
	done    chan struct{}
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	fmt.Fprintf(GinkgoWriter, "Starting orchest-api e2e test suite\n")
	RunSpecs(t, "Orchest API E2E Suite")
}

var _ = BeforeSuite(func() {
	SetDefaultEventuallyTimeout(framework.DefaultTimeout)
	SetDefaultEventuallyPollingInterval(framework.DefaultPolling)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	workDir, err := os.MkdirTemp("", "orchest-e2e-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = os.RemoveAll(workDir) })

	projectsDir = filepath.Join(workDir, "projects")
	userDir := filepath.Join(workDir, "userdir")
	Expect(os.MkdirAll(projectsDir, 0o755)).To(Succeed())
	Expect(framework.WriteJupyterSetup(userDir)).To(Succeed())

	st, err = store.Open(store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(workDir, "orchest.db"),
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(st.AutoMigrate()).To(Succeed())

	runtime = framework.NewFakeRuntime()
	bus := taskbus.New(st, logger)
	svcs = services.New(services.Dependencies{
		Store:      st,
		Bus:        bus,
		Images:     runtime,
		Containers: runtime,
		Logger:     logger,
	})

	handler := handlers.New(svcs, st, logstream.New(logger), logger)
	httpSrv = httptest.NewServer(handler.Routes())
	api = framework.NewClient(httpSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	stopAll = cancel
	done = make(chan struct{})

	callback := apiclient.New(httpSrv.URL, logger)
	pool := worker.NewPool(bus, worker.Config{
		Concurrency:  2,
		PollInterval: 20 * time.Millisecond,
	}, logger)
	pool.Register(taskbus.TaskBuildEnvironment,
		worker.NewEnvironmentBuilder(runtime, callback, bus, projectsDir, logger).Handle)
	pool.Register(taskbus.TaskBuildJupyter,
		worker.NewJupyterBuilder(runtime, callback, bus, userDir, "", logger).Handle)
	pool.Register(taskbus.TaskRunPipeline,
		worker.NewPipelineRunner(runtime, callback, bus, logger).Handle)
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	sched := scheduler.New(st, logger)
	sched.Register(scheduler.JobTypeProcessJobs, time.Second, svcs.Jobs.ProcessJobs)
	sched.Start(ctx, false)
	DeferCleanup(sched.Stop)
})

var _ = AfterSuite(func() {
	if stopAll != nil {
		stopAll()
	}
	if done != nil {
		Eventually(done, 5*time.Second).Should(BeClosed())
	}
	if httpSrv != nil {
		httpSrv.Close()
	}
	if st != nil {
		Expect(st.Close()).To(Succeed())
	}
})
