package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/config"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func quietLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Output: io.Discard})
}

// memSource serves rows from memory, optionally delaying each row to keep a
// job in flight long enough to cancel it.
type memSource struct {
	rows     []source.Row
	rowDelay time.Duration
}

func (m *memSource) CountRows(ctx context.Context, ref string) (int, error) {
	return len(m.rows), nil
}

func (m *memSource) ReadRange(ctx context.Context, ref string, start, end int, fn func(source.Row) error) error {
	for i := start; i <= end && i < len(m.rows); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.rowDelay > 0 {
			time.Sleep(m.rowDelay)
		}
		row := m.rows[i]
		row.Number = i
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func makeRows(n int) []source.Row {
	rows := make([]source.Row, n)
	for i := range rows {
		rows[i] = source.Row{
			InvoiceID: fmt.Sprintf("INV-%06d", i),
			Customer:  "Bharat Mart",
			ItemName:  fmt.Sprintf("Item %d", i),
			Quantity:  "2",
			UnitPrice: "$1.50",
			Total:     "$3.00",
		}
	}
	return rows
}

type testPipeline struct {
	db   *gorm.DB
	orch *Orchestrator
	pool *pool.Pool
	bkr  *Broker
}

func newTestPipeline(t *testing.T, src source.RowSource, opts OrchestratorOptions) *testPipeline {
	return newTestPipelineProc(t, src, opts, nil)
}

// newTestPipelineProc additionally lets a test wrap the chunk processor, for
// fault injection at the worker boundary.
func newTestPipelineProc(t *testing.T, src source.RowSource, opts OrchestratorOptions, wrap func(pool.Processor) pool.Processor) *testPipeline {
	t.Helper()

	dbCfg := &config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "ingest.db"),
		MaxIdleConns: 2,
		MaxOpenConns: 4,
		AutoMigrate:  true,
	}
	db, err := repository.InitDB(dbCfg)
	require.NoError(t, err)

	log := quietLogger()
	breakers := breaker.NewRegistry(breaker.Options{})
	var proc pool.Processor = NewChunkProcessor(src, breakers, 100, log)
	if wrap != nil {
		proc = wrap(proc)
	}

	p, err := pool.New(pool.Options{Size: 2}, func() (*gorm.DB, error) {
		return repository.OpenWorkerHandle(dbCfg)
	}, proc, log)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	bkr := NewBroker(log)
	t.Cleanup(bkr.Close)

	metrics := NewAggregator(AggregatorOptions{}, nil, bkr, p, breakers, log)
	orch := NewOrchestrator(opts, db, src, p, bkr, metrics, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &testPipeline{db: db, orch: orch, pool: p, bkr: bkr}
}

func waitTerminal(t *testing.T, orch *Orchestrator, jobID string) *JobStatusView {
	t.Helper()
	var view *JobStatusView
	require.Eventually(t, func() bool {
		v, err := orch.GetStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		view = v
		return v.Status.Terminal()
	}, 30*time.Second, 50*time.Millisecond, "job never reached a terminal state")
	return view
}

func TestPartitionCoversAllRowsExactly(t *testing.T) {
	chunks := partition("job", 2500, 1000)
	require.Len(t, chunks, 3)

	assert.Equal(t, 0, chunks[0].StartRow)
	assert.Equal(t, 999, chunks[0].EndRow)
	assert.Equal(t, 1000, chunks[1].StartRow)
	assert.Equal(t, 1999, chunks[1].EndRow)
	assert.Equal(t, 2000, chunks[2].StartRow)
	assert.Equal(t, 2499, chunks[2].EndRow)

	// Contiguous, ordered, and covering exactly [0, 2500).
	total := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence)
		if i > 0 {
			assert.Equal(t, chunks[i-1].EndRow+1, c.StartRow)
		}
		total += c.RowCount()
	}
	assert.Equal(t, 2500, total)
}

func TestPartitionEdgeCases(t *testing.T) {
	assert.Nil(t, partition("job", 0, 1000))

	one := partition("job", 1, 1000)
	require.Len(t, one, 1)
	assert.Equal(t, 0, one[0].StartRow)
	assert.Equal(t, 0, one[0].EndRow)

	exact := partition("job", 2000, 1000)
	require.Len(t, exact, 2)
	assert.Equal(t, 1999, exact[1].EndRow)
}

func TestJobCompletesWithExactCounters(t *testing.T) {
	src := &memSource{rows: makeRows(2500)}
	tp := newTestPipeline(t, src, OrchestratorOptions{ChunkSize: 1000})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://rows"})
	require.NoError(t, err)

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, 2500, view.TotalRows)
	assert.Equal(t, 3, view.TotalChunks)
	assert.Equal(t, 2500, view.ProcessedRows)
	assert.Equal(t, 2500, view.SuccessfulRows)
	assert.Equal(t, 0, view.FailedRows)
	assert.Equal(t, 0, view.DuplicateRows)
	assert.Greater(t, view.RowsPerSecond, 0.0)

	count, err := repository.NewInvoiceRepository(tp.db).CountByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2500, count)

	rec, err := repository.NewAuditRepository(tp.db).GetByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, rec.FinalStatus)
	assert.Equal(t, 2500, rec.SuccessfulRows)
}

func TestDuplicatePairCountsOneSuccessOneDuplicate(t *testing.T) {
	row := source.Row{
		InvoiceID: "INV-000001",
		Customer:  "Bharat Mart",
		ItemName:  "Atta 5kg",
		Quantity:  "1",
		UnitPrice: "$12.00",
		Total:     "$12.00",
	}
	src := &memSource{rows: []source.Row{row, row}}
	tp := newTestPipeline(t, src, OrchestratorOptions{SkipOnDuplicate: true})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://dup"})
	require.NoError(t, err)

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, 2, view.ProcessedRows)
	assert.Equal(t, 1, view.SuccessfulRows)
	assert.Equal(t, 1, view.DuplicateRows)
	assert.Equal(t, 0, view.FailedRows)

	// Exactly one line item landed.
	count, err := repository.NewInvoiceRepository(tp.db).CountByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	rec, err := repository.NewDedupRepository(tp.db).GetByHash(context.Background(), hashOf(t, row))
	require.NoError(t, err)
	assert.Equal(t, job.ID, rec.FirstJobID)
	assert.EqualValues(t, 2, rec.TimesSeen)
}

func hashOf(t *testing.T, row source.Row) string {
	t.Helper()
	item, reason := buildItem(row, "job")
	require.Empty(t, reason)
	return item.ContentHash
}

func TestValidationFailuresCountAsFailedRows(t *testing.T) {
	rows := makeRows(10)
	rows[3].ItemName = ""       // missing required field
	rows[7].Quantity = "banana" // unparseable numeric
	src := &memSource{rows: rows}
	tp := newTestPipeline(t, src, OrchestratorOptions{})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://bad"})
	require.NoError(t, err)

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, view.Status)
	assert.Equal(t, 10, view.ProcessedRows)
	assert.Equal(t, 8, view.SuccessfulRows)
	assert.Equal(t, 2, view.FailedRows)

	// processed = successful + failed + duplicate must hold.
	assert.Equal(t, view.ProcessedRows, view.SuccessfulRows+view.FailedRows+view.DuplicateRows)

	perrs, err := repository.NewErrorRepository(tp.db).ListByJob(context.Background(), job.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, perrs, 2)
	for _, pe := range perrs {
		assert.Equal(t, domain.ErrorClassValidation, pe.Classification)
		assert.False(t, pe.Retryable)
		assert.GreaterOrEqual(t, pe.RowNumber, 0)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	src := &memSource{rows: makeRows(10)}
	tp := newTestPipeline(t, src, OrchestratorOptions{})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://rows"})
	require.NoError(t, err)
	first := waitTerminal(t, tp.orch, job.ID)

	// A second finalize pass must not rewrite the job row or the audit log.
	stale, err := repository.NewJobRepository(tp.db).GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	stale.SuccessfulRows = 9999
	tp.orch.finalize(context.Background(), stale, time.Second)

	again, err := tp.orch.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.SuccessfulRows, again.SuccessfulRows)
	assert.Equal(t, first.Status, again.Status)

	var audits int64
	require.NoError(t, tp.db.Model(&domain.AuditRecord{}).Where("job_id = ?", job.ID).Count(&audits).Error)
	assert.EqualValues(t, 1, audits)
}

func TestUnreadableSourceFailsJobWithoutChunks(t *testing.T) {
	src := &failingSource{}
	tp := newTestPipeline(t, src, OrchestratorOptions{})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://missing"})
	require.NoError(t, err)

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Equal(t, 0, view.TotalChunks)

	chunks, err := repository.NewChunkRepository(tp.db).ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	perrs, err := repository.NewErrorRepository(tp.db).ListByJob(context.Background(), job.ID, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, perrs)
	assert.Equal(t, domain.ErrorClassOrchestration, perrs[0].Classification)
}

type failingSource struct{}

func (f *failingSource) CountRows(ctx context.Context, ref string) (int, error) {
	return 0, fmt.Errorf("no such object: %s", ref)
}

func (f *failingSource) ReadRange(ctx context.Context, ref string, start, end int, fn func(source.Row) error) error {
	return fmt.Errorf("no such object: %s", ref)
}

func TestCancelSkipsPendingChunks(t *testing.T) {
	// One slow worker and many small chunks so cancellation lands while most
	// of the partition is still pending.
	src := &memSource{rows: makeRows(400), rowDelay: 2 * time.Millisecond}
	tp := newTestPipeline(t, src, OrchestratorOptions{ChunkSize: 20})

	events, unsub := tp.bkr.Subscribe(16)
	defer unsub()

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://slow"})
	require.NoError(t, err)

	// Cancel after the first chunk finishes.
	select {
	case <-events:
	case <-time.After(20 * time.Second):
		t.Fatal("no chunk progress observed")
	}
	require.NoError(t, tp.orch.Cancel(context.Background(), job.ID))

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, domain.JobStatusPartiallyCompleted, view.Status)
	assert.Greater(t, view.SkippedChunks, 0)
	assert.Less(t, view.ProcessedRows, 400)
	assert.Equal(t, 0, view.FailedChunks)

	// Every persisted row is accounted for in the job counters: chunks that
	// were in flight at cancellation finished and recorded their results.
	count, err := repository.NewInvoiceRepository(tp.db).CountByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, view.SuccessfulRows, count)
}

func TestCancelRecordsInFlightChunkResults(t *testing.T) {
	// A partition small enough that every chunk is already dispatched when
	// the cancel arrives: all of them must finish and keep their counters.
	src := &memSource{rows: makeRows(60), rowDelay: 2 * time.Millisecond}
	tp := newTestPipeline(t, src, OrchestratorOptions{ChunkSize: 20})

	events, unsub := tp.bkr.Subscribe(16)
	defer unsub()

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://slow"})
	require.NoError(t, err)

	select {
	case <-events:
	case <-time.After(20 * time.Second):
		t.Fatal("no chunk progress observed")
	}
	require.NoError(t, tp.orch.Cancel(context.Background(), job.ID))

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, 0, view.FailedChunks)
	assert.Equal(t, view.ProcessedRows, view.SuccessfulRows+view.FailedRows+view.DuplicateRows)

	count, err := repository.NewInvoiceRepository(tp.db).CountByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, view.SuccessfulRows, count, "persisted rows must match recorded counters")

	// No chunk may be stranded in a non-terminal state.
	chunks, err := repository.NewChunkRepository(tp.db).ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	for _, ch := range chunks {
		assert.Contains(t, []domain.ChunkStatus{
			domain.ChunkStatusCompleted,
			domain.ChunkStatusSkipped,
		}, ch.Status)
	}
}

// crashOnceProcessor panics on the first chunk it sees and delegates
// afterwards, simulating a worker dying mid-chunk.
type crashOnceProcessor struct {
	inner pool.Processor
	fired int32
}

func (c *crashOnceProcessor) ProcessChunk(ctx context.Context, db *gorm.DB, task pool.Task) pool.Result {
	if atomic.CompareAndSwapInt32(&c.fired, 0, 1) {
		panic("worker handle corrupted")
	}
	return c.inner.ProcessChunk(ctx, db, task)
}

func TestWorkerCrashRetriesChunkAndCompletes(t *testing.T) {
	src := &memSource{rows: makeRows(50)}
	tp := newTestPipelineProc(t, src, OrchestratorOptions{
		ChunkSize:      10,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	}, func(p pool.Processor) pool.Processor {
		return &crashOnceProcessor{inner: p}
	})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://rows"})
	require.NoError(t, err)

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, 50, view.ProcessedRows)
	assert.Equal(t, 50, view.SuccessfulRows)
	assert.Equal(t, 0, view.FailedRows)

	// The crash shows up as a retryable worker-class error, not as lost rows.
	perrs, err := repository.NewErrorRepository(tp.db).ListByJob(context.Background(), job.ID, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, perrs)
	crash := perrs[len(perrs)-1]
	assert.Equal(t, domain.ErrorClassWorker, crash.Classification)
	assert.True(t, crash.Retryable)

	stats := tp.pool.Snapshot()
	assert.EqualValues(t, 1, stats.Crashed)
	assert.EqualValues(t, 1, stats.Replaced)
}

func TestCancelUnknownJob(t *testing.T) {
	src := &memSource{rows: makeRows(1)}
	tp := newTestPipeline(t, src, OrchestratorOptions{})

	err := tp.orch.Cancel(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelFinalizedJobIsRejected(t *testing.T) {
	src := &memSource{rows: makeRows(5)}
	tp := newTestPipeline(t, src, OrchestratorOptions{})

	job, err := tp.orch.Submit(context.Background(), SubmitOptions{SourceRef: "mem://rows"})
	require.NoError(t, err)
	waitTerminal(t, tp.orch, job.ID)

	err = tp.orch.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotCancelable)
}

func TestSubmitRequiresSourceRef(t *testing.T) {
	src := &memSource{rows: makeRows(1)}
	tp := newTestPipeline(t, src, OrchestratorOptions{})

	_, err := tp.orch.Submit(context.Background(), SubmitOptions{})
	assert.Error(t, err)
}

func TestSubmitOptionsOverrideDefaults(t *testing.T) {
	src := &memSource{rows: makeRows(30)}
	tp := newTestPipeline(t, src, OrchestratorOptions{ChunkSize: 1000, SkipOnDuplicate: true})

	skip := false
	job, err := tp.orch.Submit(context.Background(), SubmitOptions{
		SourceRef:       "mem://rows",
		ChunkSize:       10,
		MaxRetries:      5,
		SkipOnDuplicate: &skip,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, job.ChunkSize)
	assert.Equal(t, 5, job.MaxRetries)
	assert.False(t, job.SkipOnDuplicate)

	view := waitTerminal(t, tp.orch, job.ID)
	assert.Equal(t, 3, view.TotalChunks)
}
