package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/source"
	"gorm.io/gorm"
)

var (
	// ErrJobNotFound is returned for operations on unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancelable is returned when cancellation targets a job that
	// already reached a terminal state.
	ErrJobNotCancelable = errors.New("job is not running")

	// ErrShuttingDown rejects submissions after shutdown started.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// OrchestratorOptions configures job execution.
type OrchestratorOptions struct {
	ChunkSize       int           // default rows per chunk
	JobConcurrency  int           // jobs processed at once
	ChunkTimeout    time.Duration // per-chunk deadline inside the pool
	MaxRetries      int           // attempts per chunk
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	SkipOnDuplicate bool // default duplicate handling for submissions
}

func (o OrchestratorOptions) withDefaults() OrchestratorOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.JobConcurrency <= 0 {
		o.JobConcurrency = 4
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	return o
}

// SubmitOptions is the per-job submission request. Zero values inherit the
// orchestrator defaults.
type SubmitOptions struct {
	SourceRef       string
	Priority        int
	ChunkSize       int
	MaxRetries      int
	SkipOnDuplicate *bool
	TotalRows       int // 0 means count rows from the source at claim time
}

// Orchestrator owns the job lifecycle: it partitions submitted files into
// chunks, dispatches them to the worker pool, and finalizes totals exactly
// once per job. One orchestrator runs per process; all state that must
// survive a restart lives in the database.
type Orchestrator struct {
	opts     OrchestratorOptions
	jobs     *repository.JobRepository
	chunks   *repository.ChunkRepository
	errs     *repository.ErrorRepository
	audits   *repository.AuditRepository
	src      source.RowSource
	pool     *pool.Pool
	broker   *Broker
	metrics  *Aggregator
	log      *logger.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	jobSem     chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewOrchestrator wires the orchestrator. metrics may not be nil; pass an
// aggregator registered against a throwaway registry in tests.
func NewOrchestrator(
	opts OrchestratorOptions,
	db *gorm.DB,
	src source.RowSource,
	p *pool.Pool,
	b *Broker,
	metrics *Aggregator,
	log *logger.Logger,
) *Orchestrator {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:       o,
		jobs:       repository.NewJobRepository(db),
		chunks:     repository.NewChunkRepository(db),
		errs:       repository.NewErrorRepository(db),
		audits:     repository.NewAuditRepository(db),
		src:        src,
		pool:       p,
		broker:     b,
		metrics:    metrics,
		log:        log,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobSem:     make(chan struct{}, o.JobConcurrency),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit registers a new job and schedules it for asynchronous execution.
// The returned job is in pending state; progress is observable through
// GetStatus and the event broker.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitOptions) (*domain.UploadJob, error) {
	if req.SourceRef == "" {
		return nil, errors.New("sourceRef is required")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	o.mu.Unlock()

	job := &domain.UploadJob{
		ID:              uuid.New().String(),
		SourceRef:       req.SourceRef,
		Status:          domain.JobStatusPending,
		Priority:        req.Priority,
		ChunkSize:       o.opts.ChunkSize,
		SkipOnDuplicate: o.opts.SkipOnDuplicate,
		MaxRetries:      o.opts.MaxRetries,
		TotalRows:       req.TotalRows,
	}
	if req.ChunkSize > 0 {
		job.ChunkSize = req.ChunkSize
	}
	if req.MaxRetries > 0 {
		job.MaxRetries = req.MaxRetries
	}
	if req.SkipOnDuplicate != nil {
		job.SkipOnDuplicate = *req.SkipOnDuplicate
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	o.log.WithFields(logger.Fields{
		logger.FieldJobID:  job.ID,
		logger.FieldSource: job.SourceRef,
		"chunk_size":       job.ChunkSize,
	}).Info("Job submitted")

	o.schedule(job.ID)
	return job, nil
}

// ResumePending re-schedules jobs left in pending state by a previous
// process. Called once at startup.
func (o *Orchestrator) ResumePending(ctx context.Context) (int, error) {
	jobs, err := o.jobs.ListByStatus(ctx, domain.JobStatusPending, 1000, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	for _, j := range jobs {
		o.schedule(j.ID)
	}
	if len(jobs) > 0 {
		o.log.WithField(logger.FieldCount, len(jobs)).Info("Resumed pending jobs")
	}
	return len(jobs), nil
}

// Cancel stops a running job. Pending chunks are marked skipped; chunks
// already handed to a worker run to completion. The job finalizes as
// partially completed.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	cancel, running := o.cancels[jobID]
	o.mu.Unlock()

	if running {
		cancel()
		o.log.WithField(logger.FieldJobID, jobID).Info("Job cancellation requested")
		return nil
	}

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.Status.Terminal() {
		return ErrJobNotCancelable
	}

	// Pending in the database but not scheduled in this process (stale job
	// from a crashed run). Fail it directly.
	return o.jobs.MarkFailed(ctx, jobID, "cancelled before processing started")
}

// JobStatusView is the live status served by the API: the persisted job row
// overlaid with chunk-level counters while processing is still in flight.
type JobStatusView struct {
	domain.UploadJob
	CompletedChunks int     `json:"completed_chunks"`
	FailedChunks    int     `json:"failed_chunks"`
	SkippedChunks   int     `json:"skipped_chunks"`
	Percent         float64 `json:"percent_complete"`
}

// GetStatus returns the job with live chunk aggregates. Finalized jobs are
// served from the job row alone, which is already authoritative.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*JobStatusView, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	view := &JobStatusView{UploadJob: *job}
	if !job.Status.Terminal() {
		totals, err := o.chunks.AggregateByJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		view.ProcessedRows = totals.ProcessedRows
		view.SuccessfulRows = totals.SuccessfulRows
		view.FailedRows = totals.FailedRows
		view.DuplicateRows = totals.DuplicateRows
		view.FailedChunks = totals.FailedChunks
		view.SkippedChunks = totals.SkippedChunks
	}
	view.Percent = view.PercentComplete()
	return view, nil
}

// Shutdown stops accepting jobs and waits for in-flight jobs to finish or
// ctx to expire. Running jobs are not cancelled; they finish their current
// chunks and finalize.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.baseCancel()
		return ctx.Err()
	}
}

// schedule starts the job goroutine and registers its cancel func.
func (o *Orchestrator) schedule(jobID string) {
	ctx, cancel := context.WithCancel(o.baseCtx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return
	}
	o.cancels[jobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, jobID)
			o.mu.Unlock()
		}()
		o.runJob(ctx, jobID)
	}()
}

// runJob drives one job end to end: claim, partition, dispatch, finalize.
func (o *Orchestrator) runJob(ctx context.Context, jobID string) {
	ctx = logger.SetJobID(ctx, jobID)
	log := o.log.WithField(logger.FieldJobID, jobID)

	// Bound concurrent jobs; cancellation while queued just drops the slot.
	select {
	case o.jobSem <- struct{}{}:
		defer func() { <-o.jobSem }()
	case <-ctx.Done():
		return
	}

	claimed, err := o.jobs.Claim(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("Failed to claim job")
		return
	}
	if !claimed {
		// Another process (or an earlier schedule) owns this job.
		log.Warn("Job already claimed, skipping")
		return
	}

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("Failed to load claimed job")
		return
	}

	if job.TotalRows <= 0 {
		count, err := o.src.CountRows(ctx, job.SourceRef)
		if err != nil {
			o.failJob(job, fmt.Errorf("failed to count source rows: %w", err))
			return
		}
		job.TotalRows = count
		if err := o.jobs.SetTotalRows(ctx, job.ID, count); err != nil {
			o.failJob(job, fmt.Errorf("failed to record row count: %w", err))
			return
		}
	}

	chunks := partition(job.ID, job.TotalRows, job.ChunkSize)
	if err := o.chunks.CreateAll(ctx, chunks); err != nil {
		o.failJob(job, fmt.Errorf("failed to create chunk partition: %w", err))
		return
	}
	job.TotalChunks = len(chunks)
	if err := o.jobs.SetTotalChunks(ctx, job.ID, len(chunks)); err != nil {
		o.failJob(job, fmt.Errorf("failed to record chunk count: %w", err))
		return
	}

	log.WithFields(logger.Fields{
		logger.FieldRows: job.TotalRows,
		"chunks":         len(chunks),
	}).Info("Job partitioned, dispatching")

	start := time.Now()
	o.dispatch(ctx, job, chunks)

	// Cancellation skips whatever never started. Finalization must not run
	// on the cancelled context.
	finCtx, finCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finCancel()

	if ctx.Err() != nil {
		skipped, err := o.chunks.SkipPending(finCtx, job.ID)
		if err != nil {
			log.WithError(err).Error("Failed to skip pending chunks")
		} else if skipped > 0 {
			log.WithField(logger.FieldCount, skipped).Info("Skipped pending chunks after cancellation")
		}
	}

	o.finalize(finCtx, job, time.Since(start))
}

// dispatch fans the chunk partition out to the worker pool and waits for all
// of it to settle.
func (o *Orchestrator) dispatch(ctx context.Context, job *domain.UploadJob, chunks []domain.Chunk) {
	var (
		wg        sync.WaitGroup
		completed int64
	)

	// Bound in-flight dispatchers to a bit more than the pool can run, so
	// huge jobs don't spawn one goroutine per chunk.
	sem := make(chan struct{}, o.pool.Size()*2)

	for i := range chunks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		ch := chunks[i]

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.runChunk(ctx, job, ch, &completed)
		}()
	}
	wg.Wait()
}

// runChunk executes one chunk under the retry budget and records its final
// state.
func (o *Orchestrator) runChunk(ctx context.Context, job *domain.UploadJob, ch domain.Chunk, completed *int64) {
	cctx := logger.SetChunkID(ctx, ch.ID)
	log := o.log.WithFields(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldChunkID: ch.ID,
	})

	task := pool.Task{
		JobID:           job.ID,
		ChunkID:         ch.ID,
		Sequence:        ch.Sequence,
		StartRow:        ch.StartRow,
		EndRow:          ch.EndRow,
		SourceRef:       job.SourceRef,
		SkipOnDuplicate: job.SkipOnDuplicate,
	}

	var res pool.Result
	err := retry.Do(
		func() error {
			if err := o.chunks.MarkProcessing(cctx, ch.ID); err != nil {
				return err
			}
			var perr error
			res, perr = o.pool.Process(cctx, task, o.opts.ChunkTimeout)
			return perr
		},
		retry.Context(cctx),
		retry.Attempts(uint(job.MaxRetries)),
		retry.Delay(o.opts.RetryBaseDelay),
		retry.MaxDelay(o.opts.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			o.recordChunkError(cctx, job.ID, ch.ID, err, true)
			log.WithError(err).WithField("attempt", attempt+1).Warn("Chunk attempt failed, retrying")
		}),
	)

	// Persistence of the outcome must survive job cancellation.
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		// Once a worker accepts a chunk its result always comes back, so a
		// cancellation error here means no attempt ran to completion and
		// nothing was committed. The chunk is skipped, not failed.
		if errors.Is(err, context.Canceled) {
			if sErr := o.chunks.MarkSkipped(bg, ch.ID); sErr != nil {
				log.WithError(sErr).Error("Failed to mark chunk skipped")
			}
			log.Info("Chunk skipped after cancellation")
			return
		}
		o.recordChunkError(bg, job.ID, ch.ID, err, false)
		if mErr := o.chunks.MarkFailed(bg, ch.ID); mErr != nil {
			log.WithError(mErr).Error("Failed to mark chunk failed")
		}
		o.metrics.ObserveChunk(res, domain.ChunkStatusFailed)
		log.WithError(err).Error("Chunk failed after exhausting retries")
	} else {
		ch.ProcessedRows = res.RowsProcessed
		ch.SuccessfulRows = res.SuccessCount
		ch.FailedRows = res.FailureCount
		ch.DuplicateRows = res.DuplicateCount
		ch.ElapsedMs = res.ElapsedMs
		if cErr := o.chunks.Complete(bg, &ch); cErr != nil {
			log.WithError(cErr).Error("Failed to record chunk completion")
		}
		o.metrics.ObserveChunk(res, domain.ChunkStatusCompleted)
	}

	done := atomic.AddInt64(completed, 1)
	o.broker.Publish(Event{
		Type:            EventChunkProgress,
		JobID:           job.ID,
		ChunkID:         ch.ID,
		CurrentChunk:    int(done),
		TotalChunks:     job.TotalChunks,
		PercentComplete: float64(done) / float64(job.TotalChunks) * 100,
		Rows:            res.RowsProcessed,
		Throughput:      o.metrics.Throughput(),
	})
}

// finalize aggregates chunk counters into the job row exactly once and
// appends the audit record. A job with no failed rows and no failed or
// skipped chunks completes; anything less completes partially.
func (o *Orchestrator) finalize(ctx context.Context, job *domain.UploadJob, elapsed time.Duration) {
	log := o.log.WithField(logger.FieldJobID, job.ID)

	totals, err := o.chunks.AggregateByJob(ctx, job.ID)
	if err != nil {
		log.WithError(err).Error("Failed to aggregate chunk totals")
		return
	}

	job.ProcessedRows = totals.ProcessedRows
	job.SuccessfulRows = totals.SuccessfulRows
	job.FailedRows = totals.FailedRows
	job.DuplicateRows = totals.DuplicateRows
	if secs := elapsed.Seconds(); secs > 0 {
		job.RowsPerSecond = float64(totals.ProcessedRows) / secs
	}

	job.Status = domain.JobStatusCompleted
	if totals.FailedRows > 0 || totals.FailedChunks > 0 || totals.SkippedChunks > 0 {
		job.Status = domain.JobStatusPartiallyCompleted
	}

	finalized, err := o.jobs.Finalize(ctx, job)
	if err != nil {
		log.WithError(err).Error("Failed to finalize job")
		return
	}
	if !finalized {
		// Already finalized by an earlier pass; nothing more to write.
		log.Warn("Job was already finalized")
		return
	}

	if err := o.audits.Create(ctx, &domain.AuditRecord{
		JobID:          job.ID,
		FinalStatus:    job.Status,
		TotalRows:      job.TotalRows,
		ProcessedRows:  job.ProcessedRows,
		SuccessfulRows: job.SuccessfulRows,
		FailedRows:     job.FailedRows,
		DuplicateRows:  job.DuplicateRows,
		ElapsedMs:      elapsed.Milliseconds(),
	}); err != nil {
		log.WithError(err).Error("Failed to write audit record")
	}

	o.metrics.ObserveJob(job.Status)
	o.broker.Publish(Event{
		Type:            EventJobCompleted,
		JobID:           job.ID,
		TotalChunks:     job.TotalChunks,
		PercentComplete: 100,
		Rows:            job.ProcessedRows,
		Throughput:      job.RowsPerSecond,
		Job:             job,
	})

	log.WithFields(logger.Fields{
		logger.FieldStatus:     string(job.Status),
		logger.FieldRows:       job.ProcessedRows,
		"successful":           job.SuccessfulRows,
		"failed":               job.FailedRows,
		"duplicates":           job.DuplicateRows,
		logger.FieldDurationMs: elapsed.Milliseconds(),
	}).Info("Job finalized")
}

// failJob handles orchestration-level failures that happen before any chunk
// exists: the job fails as a whole, with an audit trail and an event.
func (o *Orchestrator) failJob(job *domain.UploadJob, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := o.log.WithField(logger.FieldJobID, job.ID)

	if err := o.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark job failed")
	}
	if err := o.errs.Create(ctx, &domain.ProcessingError{
		JobID:          job.ID,
		RowNumber:      -1,
		Classification: domain.ErrorClassOrchestration,
		Message:        cause.Error(),
	}); err != nil {
		log.WithError(err).Error("Failed to record orchestration error")
	}
	if err := o.audits.Create(ctx, &domain.AuditRecord{
		JobID:       job.ID,
		FinalStatus: domain.JobStatusFailed,
		TotalRows:   job.TotalRows,
	}); err != nil {
		log.WithError(err).Error("Failed to write audit record")
	}

	o.metrics.ObserveJob(domain.JobStatusFailed)
	o.broker.Publish(Event{
		Type:  EventJobFailed,
		JobID: job.ID,
		Error: cause.Error(),
	})
	log.WithError(cause).Error("Job failed before chunk dispatch")
}

// recordChunkError classifies and appends one chunk-level failure.
func (o *Orchestrator) recordChunkError(ctx context.Context, jobID, chunkID string, cause error, retryable bool) {
	if err := o.errs.Create(ctx, &domain.ProcessingError{
		JobID:          jobID,
		ChunkID:        chunkID,
		RowNumber:      -1,
		Classification: classify(cause),
		Message:        cause.Error(),
		Retryable:      retryable,
	}); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to record chunk error")
	}
}

// classify maps a chunk failure to its error class.
func classify(err error) domain.ErrorClass {
	switch {
	case errors.Is(err, pool.ErrWorkerCrashed):
		return domain.ErrorClassWorker
	case errors.Is(err, breaker.ErrOpen), errors.Is(err, breaker.ErrCallTimeout):
		return domain.ErrorClassStore
	default:
		return domain.ErrorClassChunk
	}
}

// partition splits [0, totalRows) into contiguous inclusive chunk ranges of
// at most chunkSize rows. The last chunk absorbs the remainder.
func partition(jobID string, totalRows, chunkSize int) []domain.Chunk {
	if totalRows <= 0 {
		return nil
	}
	n := (totalRows + chunkSize - 1) / chunkSize
	chunks := make([]domain.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize - 1
		if end > totalRows-1 {
			end = totalRows - 1
		}
		chunks = append(chunks, domain.Chunk{
			ID:       uuid.New().String(),
			JobID:    jobID,
			Sequence: i,
			StartRow: start,
			EndRow:   end,
			Status:   domain.ChunkStatusPending,
		})
	}
	return chunks
}
