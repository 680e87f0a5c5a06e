// Copyright 2025 The Orchest Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/orchest/orchest/internal/apiclient"
	"github.com/orchest/orchest/internal/cmdutil"
	"github.com/orchest/orchest/internal/docker"
	"github.com/orchest/orchest/internal/store"
	"github.com/orchest/orchest/internal/taskbus"
	"github.com/orchest/orchest/internal/worker"
)

const (
	defaultAPIURL       = "http://localhost:8080"
	defaultConcurrency  = 2
	defaultPollInterval = time.Second
	defaultProjectsDir  = "/userdir/projects"
	defaultUserDir      = "/userdir"
)

func main() {
	var (
		apiURL           string
		dbDriver         string
		dbDSN            string
		dockerHost       string
		concurrency      int
		pollInterval     time.Duration
		projectsDir      string
		userDir          string
		jupyterBaseImage string
		logLevel         string
	)

	pflag.StringVar(&apiURL, "api-url",
		cmdutil.GetEnv("ORCHEST_API_URL", defaultAPIURL),
		"Base URL of the orchest-api server")
	pflag.StringVar(&dbDriver, "db-driver",
		cmdutil.GetEnv("ORCHEST_DB_DRIVER", "sqlite"),
		"Database driver (sqlite, postgres)")
	pflag.StringVar(&dbDSN, "db-dsn",
		cmdutil.GetEnv("ORCHEST_DB_DSN", "orchest.db"),
		"Database connection string, shared with orchest-api")
	pflag.StringVar(&dockerHost, "docker-host",
		cmdutil.GetEnv("ORCHEST_DOCKER_HOST", ""),
		"Docker daemon address, empty uses the standard environment")
	pflag.IntVar(&concurrency, "concurrency",
		cmdutil.GetEnvInt("ORCHEST_WORKER_CONCURRENCY", defaultConcurrency),
		"Number of tasks executed in parallel")
	pflag.DurationVar(&pollInterval, "poll-interval",
		cmdutil.GetEnvDuration("ORCHEST_WORKER_POLL_INTERVAL", defaultPollInterval),
		"How long an idle worker waits before polling for work again")
	pflag.StringVar(&projectsDir, "projects-dir",
		cmdutil.GetEnv("ORCHEST_PROJECTS_DIR", defaultProjectsDir),
		"Directory holding the project checkouts used as build contexts")
	pflag.StringVar(&userDir, "user-dir",
		cmdutil.GetEnv("ORCHEST_USER_DIR", defaultUserDir),
		"Directory holding user data, including Jupyter setup scripts")
	pflag.StringVar(&jupyterBaseImage, "jupyter-base-image",
		cmdutil.GetEnv("ORCHEST_JUPYTER_BASE_IMAGE", ""),
		"Base image for Jupyter server builds, empty uses the stock image")
	pflag.StringVar(&logLevel, "log-level",
		cmdutil.GetEnv("LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	pflag.Parse()

	logger := cmdutil.SetupLogger(logLevel)

	logger.Info("starting Orchest worker",
		"api_url", apiURL,
		"concurrency", concurrency,
		"projects_dir", projectsDir,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(store.Config{Driver: dbDriver, DSN: dbDSN})
	if err != nil {
		logger.Error("failed to open database", "driver", dbDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Migration is idempotent, so whichever of orchest-api and the worker
	// comes up first settles the schema.
	if err := st.AutoMigrate(); err != nil {
		logger.Error("failed to migrate database schema", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(docker.Config{Host: dockerHost}, logger)
	if err != nil {
		logger.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		logger.Error("Docker daemon not reachable", "error", err)
		os.Exit(1)
	}

	api := apiclient.New(apiURL, logger)
	bus := taskbus.New(st, logger)

	pool := worker.NewPool(bus, worker.Config{
		Concurrency:  concurrency,
		PollInterval: pollInterval,
	}, logger)
	pool.Register(taskbus.TaskBuildEnvironment,
		worker.NewEnvironmentBuilder(dockerClient, api, bus, projectsDir, logger).Handle)
	pool.Register(taskbus.TaskBuildJupyter,
		worker.NewJupyterBuilder(dockerClient, api, bus, userDir, jupyterBaseImage, logger).Handle)
	pool.Register(taskbus.TaskRunPipeline,
		worker.NewPipelineRunner(dockerClient, api, bus, logger).Handle)

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker pool failed", "error", err)
		os.Exit(1)
	}

	logger.Info("worker stopped gracefully")
}
