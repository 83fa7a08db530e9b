package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mangalm/invoice-ingest/internal/logger"
	"gorm.io/gorm"
)

var (
	// ErrWorkerCrashed reports an abnormal worker exit. The chunk that was
	// in flight is requeued by the orchestrator under the job retry budget.
	ErrWorkerCrashed = errors.New("worker crashed while processing chunk")

	// ErrChunkTimeout reports that a chunk exceeded the per-chunk deadline.
	// A late reply from the worker is discarded.
	ErrChunkTimeout = errors.New("chunk processing timed out")

	// ErrPoolClosed is returned for dispatches after shutdown.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Task is one chunk assignment handed to a worker over the task channel.
type Task struct {
	JobID           string
	ChunkID         string
	Sequence        int
	StartRow        int // inclusive
	EndRow          int // inclusive
	SourceRef       string
	SkipOnDuplicate bool
	Timeout         time.Duration // per-attempt deadline applied inside the worker

	// reply carries the worker's result back to the dispatcher. Buffered so
	// a late reply after timeout never blocks the worker.
	reply chan Result
}

// Result is the payload a worker replies with after executing a chunk.
type Result struct {
	WorkerID       int
	RowsProcessed  int
	SuccessCount   int
	FailureCount   int
	DuplicateCount int
	ElapsedMs      int64
	Err            error
}

// Processor executes exactly one chunk using the worker's private database
// handle.
type Processor interface {
	ProcessChunk(ctx context.Context, db *gorm.DB, task Task) Result
}

// HandleFactory opens a fresh private resource handle for a worker unit.
type HandleFactory func() (*gorm.DB, error)

// Options configures a Pool.
type Options struct {
	Size            int           // number of worker units, default 8
	QueueFactor     int           // task queue capacity = Size * QueueFactor, default 2
	HeartbeatPeriod time.Duration // how often idle workers refresh their heartbeat
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = 8
	}
	if o.QueueFactor <= 0 {
		o.QueueFactor = 2
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = 5 * time.Second
	}
	return o
}

// Pool is a fixed-size set of isolated worker units. Each unit owns a
// private database handle; work is handed over a bounded channel and the
// unit replies on the task's channel. Crashed units are replaced
// transparently with a freshly initialized unit.
type Pool struct {
	opts    Options
	factory HandleFactory
	proc    Processor
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan *Task
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[int]*worker
	nextID   int
	crashed  int64
	replaced int64
	closed   bool
}

// New creates the pool and synchronously initializes every worker unit with
// its own handle. A factory failure aborts startup.
func New(opts Options, factory HandleFactory, proc Processor, log *logger.Logger) (*Pool, error) {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:    o,
		factory: factory,
		proc:    proc,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan *Task, o.Size*o.QueueFactor),
		workers: make(map[int]*worker, o.Size),
	}

	for i := 0; i < o.Size; i++ {
		if err := p.spawn(); err != nil {
			cancel()
			p.closeHandles()
			return nil, fmt.Errorf("failed to initialize worker pool: %w", err)
		}
	}

	log.WithFields(logger.Fields{
		"workers": o.Size,
		"queue":   cap(p.tasks),
	}).Info("Worker pool started")

	return p, nil
}

// Process dispatches one chunk and waits for the outcome. Enqueueing blocks
// cooperatively while the pool is saturated and honors ctx so undispatched
// work can be abandoned. Once the task is accepted, caller cancellation no
// longer interrupts the wait: the chunk runs to completion and its result is
// returned so the caller can record it. Waiting is bounded by timeout; on
// timeout the in-worker attempt is aborted and any late reply is discarded.
func (p *Pool) Process(ctx context.Context, task Task, timeout time.Duration) (Result, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return Result{}, ErrPoolClosed
	}

	task.reply = make(chan Result, 1)
	task.Timeout = timeout

	select {
	case p.tasks <- &task:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, ErrPoolClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-task.reply:
		return res, res.Err
	case <-timer.C:
		return Result{}, ErrChunkTimeout
	}
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Size returns the configured number of worker units.
func (p *Pool) Size() int {
	return p.opts.Size
}

// Snapshot returns per-worker statistics for the metrics aggregator and the
// health endpoint.
func (p *Pool) Snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Size:          p.opts.Size,
		QueueDepth:    len(p.tasks),
		Crashed:       p.crashed,
		Replaced:      p.replaced,
		MemAllocBytes: readMemStats(),
	}
	for _, w := range p.workers {
		ws := w.snapshot()
		if ws.Busy {
			stats.Busy++
		}
		stats.Workers = append(stats.Workers, ws)
	}
	return stats
}

// Close stops accepting work, waits for in-flight chunks, and tears down
// every worker handle.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.closeHandles()
	p.log.Info("Worker pool stopped")
}

// spawn creates one worker with a fresh handle and starts its loop.
// Callers must not hold p.mu.
func (p *Pool) spawn() error {
	db, err := p.factory()
	if err != nil {
		return fmt.Errorf("failed to open worker handle: %w", err)
	}

	p.mu.Lock()
	p.nextID++
	w := newWorker(p.nextID, db, p)
	p.workers[w.id] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go w.run(p.ctx)
	return nil
}

// reportCrash removes the crashed unit from rotation and synchronously
// replaces it with a freshly initialized one before its goroutine exits.
// The in-flight chunk is not lost: the crash result was already delivered
// on the task's reply channel for retry accounting.
func (p *Pool) reportCrash(w *worker, cause interface{}) {
	p.mu.Lock()
	delete(p.workers, w.id)
	p.crashed++
	closed := p.closed
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		logger.FieldWorkerID: w.id,
		"cause":              fmt.Sprintf("%v", cause),
	}).Error("Worker crashed, replacing")

	closeHandle(w.db)

	if closed || p.ctx.Err() != nil {
		return
	}
	if err := p.spawn(); err != nil {
		p.log.WithError(err).Error("Failed to replace crashed worker")
		return
	}
	p.mu.Lock()
	p.replaced++
	p.mu.Unlock()
}

func (p *Pool) closeHandles() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		closeHandle(w.db)
	}
	p.workers = make(map[int]*worker)
}

func closeHandle(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
