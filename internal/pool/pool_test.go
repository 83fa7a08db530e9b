package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubProcessor struct {
	fn func(task Task) Result
}

func (s stubProcessor) ProcessChunk(_ context.Context, _ *gorm.DB, task Task) Result {
	return s.fn(task)
}

func nilFactory() (*gorm.DB, error) { return nil, nil }

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Format: "text"})
}

func newTestPool(t *testing.T, size int, proc Processor) *Pool {
	t.Helper()
	p, err := New(Options{Size: size, HeartbeatPeriod: 50 * time.Millisecond}, nilFactory, proc, testLogger())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolProcessReturnsResult(t *testing.T) {
	proc := stubProcessor{fn: func(task Task) Result {
		return Result{
			RowsProcessed: task.EndRow - task.StartRow + 1,
			SuccessCount:  task.EndRow - task.StartRow + 1,
			ElapsedMs:     5,
		}
	}}
	p := newTestPool(t, 2, proc)

	res, err := p.Process(context.Background(), Task{
		JobID:    "job-1",
		ChunkID:  "chunk-1",
		StartRow: 0,
		EndRow:   99,
	}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, 100, res.RowsProcessed)
	assert.Equal(t, 100, res.SuccessCount)
	assert.NotZero(t, res.WorkerID)
}

func TestPoolChunkTimeout(t *testing.T) {
	release := make(chan struct{})
	proc := stubProcessor{fn: func(Task) Result {
		<-release
		return Result{SuccessCount: 1}
	}}
	p := newTestPool(t, 1, proc)

	_, err := p.Process(context.Background(), Task{ChunkID: "slow"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrChunkTimeout)

	// The late reply lands in the task's buffered channel and is discarded;
	// the worker is not wedged.
	close(release)

	res, err := p.Process(context.Background(), Task{ChunkID: "fast"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
}

// ctxProcessor exposes the task context so tests can observe the per-attempt
// deadline the worker applies.
type ctxProcessor struct {
	fn func(ctx context.Context, task Task) Result
}

func (c ctxProcessor) ProcessChunk(ctx context.Context, _ *gorm.DB, task Task) Result {
	return c.fn(ctx, task)
}

func TestPoolTimeoutAbortsRunningTask(t *testing.T) {
	aborted := make(chan struct{})
	proc := ctxProcessor{fn: func(ctx context.Context, task Task) Result {
		if task.ChunkID == "slow" {
			// Block until the worker's per-attempt deadline fires. Without
			// it this would run forever and commit long after the
			// dispatcher gave up.
			<-ctx.Done()
			close(aborted)
			return Result{Err: ctx.Err()}
		}
		return Result{SuccessCount: 1}
	}}
	p := newTestPool(t, 1, proc)

	_, err := p.Process(context.Background(), Task{ChunkID: "slow"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrChunkTimeout)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("task kept running past its deadline")
	}

	res, err := p.Process(context.Background(), Task{ChunkID: "fast"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
}

func TestPoolReplacesCrashedWorker(t *testing.T) {
	var calls int64
	proc := stubProcessor{fn: func(Task) Result {
		if atomic.AddInt64(&calls, 1) == 1 {
			panic("corrupted handle")
		}
		return Result{SuccessCount: 1}
	}}
	p := newTestPool(t, 2, proc)

	_, err := p.Process(context.Background(), Task{ChunkID: "boom"}, time.Second)
	assert.ErrorIs(t, err, ErrWorkerCrashed)

	// The pool must be back at full strength and keep serving.
	for i := 0; i < 4; i++ {
		res, err := p.Process(context.Background(), Task{ChunkID: "ok"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, res.SuccessCount)
	}

	stats := p.Snapshot()
	assert.Equal(t, int64(1), stats.Crashed)
	assert.Equal(t, int64(1), stats.Replaced)
	assert.Len(t, stats.Workers, 2)
}

func TestPoolSnapshotCountsWork(t *testing.T) {
	proc := stubProcessor{fn: func(task Task) Result {
		return Result{RowsProcessed: 10, SuccessCount: 10}
	}}
	p := newTestPool(t, 1, proc)

	for i := 0; i < 3; i++ {
		_, err := p.Process(context.Background(), Task{Sequence: i}, time.Second)
		require.NoError(t, err)
	}

	stats := p.Snapshot()
	require.Len(t, stats.Workers, 1)
	assert.Equal(t, int64(3), stats.Workers[0].ChunksProcessed)
	assert.Equal(t, int64(30), stats.Workers[0].RowsProcessed)
	assert.False(t, stats.Workers[0].LastHeartbeat.IsZero())
}

func TestPoolClosedRejectsWork(t *testing.T) {
	proc := stubProcessor{fn: func(Task) Result { return Result{} }}
	p, err := New(Options{Size: 1}, nilFactory, proc, testLogger())
	require.NoError(t, err)

	p.Close()

	_, err = p.Process(context.Background(), Task{}, time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)
}
