package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
)

// worker is one isolated execution unit. It owns db exclusively; no other
// unit ever touches this handle.
type worker struct {
	id   int
	db   *gorm.DB
	pool *Pool

	busy            int32
	chunksProcessed int64
	rowsProcessed   int64
	totalElapsedMs  int64
	lastHeartbeat   int64 // unix nanos
}

// WorkerStats is one unit's self-reported metrics.
type WorkerStats struct {
	ID              int       `json:"id"`
	Busy            bool      `json:"busy"`
	ChunksProcessed int64     `json:"chunks_processed"`
	RowsProcessed   int64     `json:"rows_processed"`
	AvgProcessingMs float64   `json:"avg_processing_ms"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// PoolStats aggregates worker stats for the health endpoint.
type PoolStats struct {
	Size          int           `json:"size"`
	Busy          int           `json:"busy"`
	QueueDepth    int           `json:"queue_depth"`
	Crashed       int64         `json:"crashed"`
	Replaced      int64         `json:"replaced"`
	MemAllocBytes uint64        `json:"mem_alloc_bytes"`
	Workers       []WorkerStats `json:"workers"`
}

func newWorker(id int, db *gorm.DB, p *Pool) *worker {
	w := &worker{id: id, db: db, pool: p}
	w.beat()
	return w
}

// run receives chunk assignments until shutdown. A crash mid-chunk delivers
// a typed error on the task's reply channel and terminates the loop; the
// pool spawns a replacement before this goroutine exits.
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	hb := time.NewTicker(w.pool.opts.HeartbeatPeriod)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			w.beat()
		case task, ok := <-w.pool.tasks:
			if !ok {
				return
			}
			if crashed := w.execute(ctx, task); crashed {
				return
			}
		}
	}
}

// execute runs the chunk processor and reports the outcome. The returned
// flag tells run() to terminate because the unit is no longer trustworthy.
func (w *worker) execute(ctx context.Context, task *Task) (crashed bool) {
	atomic.StoreInt32(&w.busy, 1)
	defer atomic.StoreInt32(&w.busy, 0)

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			task.reply <- Result{
				WorkerID: w.id,
				Err:      fmt.Errorf("%w: %v", ErrWorkerCrashed, r),
			}
			w.pool.reportCrash(w, r)
		}
	}()

	// The dispatcher stops waiting after the task's timeout; bound the
	// attempt itself the same way so a stuck chunk rolls back instead of
	// committing after its dispatcher gave up and scheduled a retry.
	tctx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	res := w.pool.proc.ProcessChunk(tctx, w.db, *task)
	res.WorkerID = w.id
	if res.ElapsedMs == 0 {
		res.ElapsedMs = time.Since(start).Milliseconds()
	}

	atomic.AddInt64(&w.chunksProcessed, 1)
	atomic.AddInt64(&w.rowsProcessed, int64(res.RowsProcessed))
	atomic.AddInt64(&w.totalElapsedMs, res.ElapsedMs)
	w.beat()

	task.reply <- res
	return false
}

func (w *worker) beat() {
	atomic.StoreInt64(&w.lastHeartbeat, time.Now().UnixNano())
}

func (w *worker) snapshot() WorkerStats {
	chunks := atomic.LoadInt64(&w.chunksProcessed)
	total := atomic.LoadInt64(&w.totalElapsedMs)
	ws := WorkerStats{
		ID:              w.id,
		Busy:            atomic.LoadInt32(&w.busy) == 1,
		ChunksProcessed: chunks,
		RowsProcessed:   atomic.LoadInt64(&w.rowsProcessed),
		LastHeartbeat:   time.Unix(0, atomic.LoadInt64(&w.lastHeartbeat)),
	}
	if chunks > 0 {
		ws.AvgProcessingMs = float64(total) / float64(chunks)
	}
	return ws
}

// readMemStats reports process-wide allocation, attributed at pool level
// since per-goroutine memory is not separable.
func readMemStats() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc
}
