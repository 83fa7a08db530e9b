package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mangalm/invoice-ingest/internal/api"
	"github.com/mangalm/invoice-ingest/internal/api/middleware"
	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/config"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/notify"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/source"
	"github.com/mangalm/invoice-ingest/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize object storage when credentials are configured; without it
	// jobs can still ingest local files.
	var store storage.ObjectStorage
	if cfg.Storage.AccessKey != "" {
		s3, err := storage.New(&storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
		store = s3
	} else {
		appLogger.Warn("Object storage not configured, only local source files are accepted")
	}

	// Breakers shared by every component touching the backing store
	breakers := breaker.NewRegistry(breaker.Options{
		Window:          cfg.Breaker.Window,
		VolumeThreshold: cfg.Breaker.VolumeThreshold,
		ErrorThreshold:  cfg.Breaker.ErrorThreshold,
		SleepWindow:     cfg.Breaker.SleepWindow,
		CallTimeout:     cfg.Breaker.CallTimeout,
	})

	// Pipeline: source reader, chunk processor, worker pool
	src := source.NewCSVSource(store)
	proc := pipeline.NewChunkProcessor(src, breakers, cfg.Ingest.BatchSize, appLogger)
	workerPool, err := pool.New(pool.Options{
		Size:            cfg.Ingest.Workers,
		HeartbeatPeriod: cfg.Ingest.HeartbeatPeriod,
	}, func() (*gorm.DB, error) {
		return repository.OpenWorkerHandle(&cfg.Database)
	}, proc, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to start worker pool")
	}
	defer workerPool.Close()

	// Events, metrics, notifications
	broker := pipeline.NewBroker(appLogger)
	defer broker.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := pipeline.NewAggregator(pipeline.AggregatorOptions{
		SnapshotInterval: cfg.Metrics.SnapshotInterval,
		ThroughputFloor:  cfg.Metrics.ThroughputFloor,
	}, registry, broker, workerPool, breakers, appLogger)
	go metrics.Run(ctx)

	notifier := notify.NewWebhookNotifier(&notify.Config{
		WebhookURL: cfg.Notify.WebhookURL,
		Timeout:    cfg.Notify.Timeout,
		Retries:    cfg.Notify.Retries,
	}, appLogger)
	go notifier.Run(ctx, broker)

	// Orchestrator
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		ChunkSize:       cfg.Ingest.ChunkSize,
		JobConcurrency:  cfg.Ingest.JobConcurrency,
		ChunkTimeout:    cfg.Ingest.ChunkTimeout,
		MaxRetries:      cfg.Ingest.MaxRetries,
		RetryBaseDelay:  cfg.Ingest.RetryBaseDelay,
		RetryMaxDelay:   cfg.Ingest.RetryMaxDelay,
		SkipOnDuplicate: cfg.Ingest.SkipOnDuplicate,
	}, db, src, workerPool, broker, metrics, appLogger)

	// Pick up jobs a previous process left pending
	if _, err := orch.ResumePending(ctx); err != nil {
		appLogger.WithError(err).Warn("Failed to resume pending jobs")
	}

	// Setup router
	router := api.SetupRouter(api.Deps{
		Mode: cfg.Server.Mode,
		CORS: middleware.CORSConfig{
			AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
			AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
		},
		Log:          appLogger,
		DB:           db,
		Orchestrator: orch,
		Broker:       broker,
		Metrics:      metrics,
		Store:        store,
		Gatherer:     registry,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Stop taking new jobs and let in-flight work finish, then stop HTTP
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Orchestrator did not drain in time")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
