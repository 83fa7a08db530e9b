package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/config"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/source"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		ServiceName: "invoice-ingest-cli",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	filePath := flag.String("file", "", "Path to the invoice CSV file to ingest")
	chunkSize := flag.Int("chunk-size", 0, "Rows per chunk (0 uses the configured default)")
	maxRetries := flag.Int("retries", 0, "Attempts per chunk (0 uses the configured default)")
	upsertDuplicates := flag.Bool("upsert-duplicates", false, "Upsert duplicate rows instead of skipping them")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *filePath == "" {
		appLogger.Fatal("-file is required")
	}
	if _, err := os.Stat(*filePath); err != nil {
		appLogger.WithError(err).Fatal("Source file is not readable")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldSource: *filePath,
		"chunk_size":       *chunkSize,
	}).Info("Starting ingestion")

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire the pipeline: local files only, no object storage needed
	breakers := breaker.NewRegistry(breaker.Options{
		Window:          cfg.Breaker.Window,
		VolumeThreshold: cfg.Breaker.VolumeThreshold,
		ErrorThreshold:  cfg.Breaker.ErrorThreshold,
		SleepWindow:     cfg.Breaker.SleepWindow,
		CallTimeout:     cfg.Breaker.CallTimeout,
	})
	src := source.NewCSVSource(nil)
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

	broker := pipeline.NewBroker(appLogger)
	defer broker.Close()

	metrics := pipeline.NewAggregator(pipeline.AggregatorOptions{
		SnapshotInterval: cfg.Metrics.SnapshotInterval,
		ThroughputFloor:  cfg.Metrics.ThroughputFloor,
	}, prometheus.NewRegistry(), broker, workerPool, breakers, appLogger)

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		ChunkSize:       cfg.Ingest.ChunkSize,
		JobConcurrency:  1,
		ChunkTimeout:    cfg.Ingest.ChunkTimeout,
		MaxRetries:      cfg.Ingest.MaxRetries,
		RetryBaseDelay:  cfg.Ingest.RetryBaseDelay,
		RetryMaxDelay:   cfg.Ingest.RetryMaxDelay,
		SkipOnDuplicate: cfg.Ingest.SkipOnDuplicate,
	}, db, src, workerPool, broker, metrics, appLogger)

	// Subscribe before submitting so no progress event is missed
	events, unsub := broker.Subscribe(256)
	defer unsub()

	skip := !*upsertDuplicates
	job, err := orch.Submit(ctx, pipeline.SubmitOptions{
		SourceRef:       *filePath,
		ChunkSize:       *chunkSize,
		MaxRetries:      *maxRetries,
		SkipOnDuplicate: &skip,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to submit job")
	}

	// Cancel the job on Ctrl-C; the second signal kills the process
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, cancelling job...")
		if err := orch.Cancel(context.Background(), job.ID); err != nil {
			appLogger.WithError(err).Warn("Failed to cancel job")
		}
		signal.Stop(sigChan)
	}()

	// Block until the job reaches a terminal state, echoing progress
	final := waitForCompletion(ctx, appLogger, events, job.ID)
	if final == nil {
		// The event stream ended without a terminal event; read the row
		if final = loadFinal(db, job.ID); final == nil {
			appLogger.Fatal("Job outcome unknown")
		}
	}

	appLogger.WithFields(logger.Fields{
		logger.FieldJobID:  final.ID,
		logger.FieldStatus: string(final.Status),
		"total_rows":       final.TotalRows,
		"successful":       final.SuccessfulRows,
		"failed":           final.FailedRows,
		"duplicates":       final.DuplicateRows,
		"rows_per_second":  int(final.RowsPerSecond),
	}).Info("Ingestion finished")

	if final.Status == domain.JobStatusFailed {
		os.Exit(1)
	}
}

// waitForCompletion consumes the event stream until the job finishes.
func waitForCompletion(ctx context.Context, log *logger.Logger, events <-chan pipeline.Event, jobID string) *domain.UploadJob {
	lastPercent := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.JobID != jobID {
				continue
			}
			switch ev.Type {
			case pipeline.EventChunkProgress:
				// Progress events may be dropped under load; print each
				// distinct percentage at most once.
				if p := int(ev.PercentComplete); p != lastPercent {
					lastPercent = p
					log.WithFields(logger.Fields{
						"percent": p,
						"chunks":  ev.CurrentChunk,
					}).Info("Progress")
				}
			case pipeline.EventJobCompleted:
				return ev.Job
			case pipeline.EventJobFailed:
				log.WithField("error", ev.Error).Error("Job failed")
				return &domain.UploadJob{ID: jobID, Status: domain.JobStatusFailed}
			}
		}
	}
}

// loadFinal fetches the job row directly as a fallback.
func loadFinal(db *gorm.DB, jobID string) *domain.UploadJob {
	loadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := repository.NewJobRepository(db).GetByID(loadCtx, jobID)
	if err != nil {
		return nil
	}
	return job
}
