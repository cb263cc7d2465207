// jobs-service runs the job lifecycle: submission intake, trigger handling,
// retry and escalation.
package main

import (
	"context"
	"errors"
	"jobflow/internal/api"
	"jobflow/internal/callback"
	"jobflow/internal/config"
	"jobflow/internal/health"
	"jobflow/internal/job"
	"jobflow/internal/notify"
	"jobflow/internal/observability"
	"jobflow/internal/orchestrator/docker"
	"jobflow/internal/registry"
	"jobflow/internal/services"
	"jobflow/internal/store"
	"jobflow/internal/tasks"
	"jobflow/internal/trigger"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

func main() {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(level); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := level.UnmarshalText([]byte(svcCfg.LogLevel)); err != nil {
		slog.Warn("Invalid LOG_LEVEL, using info", "value", svcCfg.LogLevel)
	}
	jobCfg := config.LoadJobConfig()
	if missing := jobCfg.Missing(); len(missing) > 0 {
		slog.Warn("Required environment variables are not set", "missing", missing, "value", config.Unset)
	}
	if err := jobCfg.Validate(); err != nil {
		return err
	}
	smtpCfg := notify.LoadConfigFromEnv()
	if missing := smtpCfg.Missing(); len(missing) > 0 {
		slog.Warn("Escalation e-mail is not fully configured", "missing", missing)
	}

	// Setup tracing and metrics
	shutdownTracing, err := observability.SetupTracing(ctx, observability.LoadTracingConfigFromEnv())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Tracer shutdown error", "error", err)
		}
	}()
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the job store
	st, err := store.Open(ctx, svcCfg.StoreDriver)
	if err != nil {
		return err
	}
	defer st.Close()

	// Register services and apps
	apps := services.Apps{HTTP: services.NewHTTPApp(services.LoadHTTPAppConfigFromEnv())}
	var runner *docker.Runner
	if svcCfg.Containers {
		runner, err = docker.NewRunner(ctx, docker.LoadConfigFromEnv())
		if err != nil {
			return err
		}
		defer runner.Close()
		apps.Docker = &services.DockerApp{Runner: runner}
		slog.Info("Connected to Docker daemon")
	}
	reg := registry.New()
	services.Register(reg, apps)
	slog.Info("Services registered", "services", reg.ServiceNames(), "apps", reg.AppNames())

	// Create callback dispatcher
	callbacks := callback.New(callback.LoadConfigFromEnv(), metrics)

	// Create job service
	feedMode := svcCfg.TriggerMode == config.TriggerModeFeed
	notifier := notify.NewSMTPNotifier(smtpCfg)
	escalator := job.NewEscalator(st.Store, notifier, jobCfg.Recipients, smtpCfg.SubjectPrefix)
	jobService := job.NewService(job.Config{
		TaskInfo:          job.TaskInfo{Project: jobCfg.Project, Location: jobCfg.Location, Queue: jobCfg.Queue},
		ServiceCollection: jobCfg.ServiceCollection,
		JobCollection:     jobCfg.JobCollection,
		RetryHandler:      jobCfg.RetryHandler,
		ErrorHandler:      jobCfg.ErrorHandler,
		Recipients:        jobCfg.Recipients,
		DeferCreated:      feedMode,
	}, st.Store, job.NewDispatcher(reg, metrics), escalator, metrics).WithEvents(callbacks)

	// Background workers stop when bgCancel is called
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	var workers sync.WaitGroup
	var queue *tasks.KafkaQueue
	var consumer *tasks.Consumer

	switch {
	case feedMode:
		listener := trigger.NewListener(st.Feed, jobService, jobCfg.JobCollection)
		workers.Go(func() { _ = listener.Run(bgCtx) })
		slog.Info("Trigger mode: change feed", "driver", st.Driver)
	case len(svcCfg.KafkaBrokers) > 0:
		kafkaCfg := tasks.LoadConfigFromEnv(jobCfg.Queue)
		queue = tasks.NewKafkaQueue(kafkaCfg)
		jobService.WithTasks(queue)
		consumer = tasks.NewConsumer(kafkaCfg, slog.Default())
		routes := tasks.Routes{
			jobCfg.RetryHandler: func(ctx context.Context, t tasks.Task) error {
				return jobService.Retry(ctx, t.Collection, t.JobID)
			},
			jobCfg.ErrorHandler: func(ctx context.Context, t tasks.Task) error {
				return jobService.Escalate(ctx, t.Collection, t.JobID)
			},
		}
		workers.Go(func() {
			if err := consumer.Run(bgCtx, routes); err != nil {
				slog.Error("Task consumer stopped", "error", err)
			}
		})
		slog.Info("Trigger mode: http with task queue", "brokers", kafkaCfg.Brokers, "topic", kafkaCfg.Topic)
	default:
		slog.Info("Trigger mode: http")
	}

	// Create health checker
	healthChecker := health.NewChecker(health.CheckFunc(st.Store.Ping))
	if runner != nil {
		healthChecker.AddOptional("docker", runner)
	}
	slog.Info("Readiness checks", "components", healthChecker.Components())

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		bgCancel()
		workers.Wait()
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the change-feed listener and task consumer
	bgCancel()
	workers.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			slog.Warn("Task consumer close error", "error", err)
		}
	}
	if queue != nil {
		if err := queue.Close(); err != nil {
			slog.Warn("Task queue close error", "error", err)
		}
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	callbackCtx, callbackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer callbackCancel()
	if err := callbacks.Close(callbackCtx); err != nil {
		slog.Warn("Callback dispatcher shutdown error", "error", err)
	}

	stats := callbacks.Stats()
	slog.Info("Callback stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"duplicates", stats.Duplicates,
	)

	slog.Info("Shutdown complete")
	return nil
}
