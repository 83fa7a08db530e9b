package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mangalm/invoice-ingest/internal/config"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "repo.db"),
		MaxIdleConns: 2,
		MaxOpenConns: 4,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	return db
}

func seedJob(t *testing.T, db *gorm.DB, id string) *domain.UploadJob {
	t.Helper()
	job := &domain.UploadJob{
		ID:        id,
		SourceRef: "/tmp/invoices.csv",
		Status:    domain.JobStatusPending,
		ChunkSize: 1000,
		TotalRows: 100,
	}
	require.NoError(t, NewJobRepository(db).Create(context.Background(), job))
	return job
}

func TestJobClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	seedJob(t, db, "job-1")

	won, err := repo.Claim(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, won)

	// A second claim must lose: the job is no longer pending.
	won, err = repo.Claim(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, won)

	job, err := repo.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestJobFinalizeOnlyOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	job := seedJob(t, db, "job-1")

	_, err := repo.Claim(context.Background(), job.ID)
	require.NoError(t, err)

	job.Status = domain.JobStatusCompleted
	job.ProcessedRows = 100
	job.SuccessfulRows = 100

	done, err := repo.Finalize(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, done)

	// A replayed finalize with different totals changes nothing.
	job.SuccessfulRows = 1
	done, err = repo.Finalize(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, done)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.SuccessfulRows)
	assert.NotNil(t, stored.CompletedAt)
}

func TestJobMarkFailedSkipsTerminalJobs(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	job := seedJob(t, db, "job-1")

	_, err := repo.Claim(context.Background(), job.ID)
	require.NoError(t, err)
	job.Status = domain.JobStatusCompleted
	_, err = repo.Finalize(context.Background(), job)
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(context.Background(), job.ID, "late failure"))

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}

func seedChunks(t *testing.T, db *gorm.DB, jobID string) []domain.Chunk {
	t.Helper()
	chunks := []domain.Chunk{
		{ID: "c-0", JobID: jobID, Sequence: 0, StartRow: 0, EndRow: 49, Status: domain.ChunkStatusPending},
		{ID: "c-1", JobID: jobID, Sequence: 1, StartRow: 50, EndRow: 99, Status: domain.ChunkStatusPending},
		{ID: "c-2", JobID: jobID, Sequence: 2, StartRow: 100, EndRow: 149, Status: domain.ChunkStatusPending},
	}
	require.NoError(t, NewChunkRepository(db).CreateAll(context.Background(), chunks))
	return chunks
}

func TestChunkLifecycleAndAggregate(t *testing.T) {
	db := newTestDB(t)
	repo := NewChunkRepository(db)
	seedJob(t, db, "job-1")
	chunks := seedChunks(t, db, "job-1")

	require.NoError(t, repo.MarkProcessing(context.Background(), chunks[0].ID))
	chunks[0].ProcessedRows = 50
	chunks[0].SuccessfulRows = 45
	chunks[0].FailedRows = 2
	chunks[0].DuplicateRows = 3
	chunks[0].ElapsedMs = 120
	require.NoError(t, repo.Complete(context.Background(), &chunks[0]))

	require.NoError(t, repo.MarkProcessing(context.Background(), chunks[1].ID))
	require.NoError(t, repo.MarkFailed(context.Background(), chunks[1].ID))

	skipped, err := repo.SkipPending(context.Background(), "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, skipped)

	totals, err := repo.AggregateByJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 50, totals.ProcessedRows)
	assert.Equal(t, 45, totals.SuccessfulRows)
	assert.Equal(t, 2, totals.FailedRows)
	assert.Equal(t, 3, totals.DuplicateRows)
	assert.Equal(t, 1, totals.FailedChunks)
	assert.Equal(t, 1, totals.SkippedChunks)

	first, err := repo.GetByID(context.Background(), chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, domain.ChunkStatusCompleted, first.Status)
}

func TestDedupRecordFirstSightingWins(t *testing.T) {
	db := newTestDB(t)
	repo := NewDedupRepository(db)

	first, err := repo.Record(context.Background(), "hash-1", "INV-1|Item", "job-a")
	require.NoError(t, err)
	assert.True(t, first)

	// The same hash from another job is not a first sighting.
	first, err = repo.Record(context.Background(), "hash-1", "INV-1|Item", "job-b")
	require.NoError(t, err)
	assert.False(t, first)

	require.NoError(t, repo.MarkDuplicate(context.Background(), "hash-1"))

	rec, err := repo.GetByHash(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "job-a", rec.FirstJobID)
	assert.EqualValues(t, 2, rec.TimesSeen)

	seen, err := repo.Seen(context.Background(), "hash-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = repo.Seen(context.Background(), "hash-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestDedupRecordConcurrentWritersOneFirstSighting(t *testing.T) {
	db := newTestDB(t)
	repo := NewDedupRepository(db)

	const writers = 8
	var (
		firsts int64
		wg     sync.WaitGroup
	)
	start := make(chan struct{})
	errc := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			first, err := repo.Record(context.Background(), "hash-race", "INV-1|Item", fmt.Sprintf("job-%d", n))
			if err != nil {
				errc <- err
				return
			}
			if first {
				atomic.AddInt64(&firsts, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errc)

	for err := range errc {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, firsts, "exactly one concurrent writer may record the first sighting")

	rec, err := repo.GetByHash(context.Background(), "hash-race")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.TimesSeen)
}

func TestInvoiceUpsertBatchUpdatesInPlace(t *testing.T) {
	db := newTestDB(t)
	repo := NewInvoiceRepository(db)

	items := []domain.InvoiceItem{
		{InvoiceID: "INV-1", ItemName: "Atta 5kg", StoreName: "Bharat Mart", Quantity: 2, JobID: "job-a"},
		{InvoiceID: "INV-1", ItemName: "Rice 1kg", StoreName: "Bharat Mart", Quantity: 1, JobID: "job-a"},
	}
	require.NoError(t, repo.UpsertBatch(context.Background(), items))

	// Re-ingesting the same business key updates the row instead of
	// inserting a second one.
	update := []domain.InvoiceItem{
		{InvoiceID: "INV-1", ItemName: "Atta 5kg", StoreName: "Bharat Mart", Quantity: 5, JobID: "job-b"},
	}
	require.NoError(t, repo.UpsertBatch(context.Background(), update))

	item, err := repo.GetByBusinessKey(context.Background(), "INV-1", "Atta 5kg")
	require.NoError(t, err)
	assert.Equal(t, 5.0, item.Quantity)
	assert.Equal(t, "job-b", item.JobID)

	count, err := repo.CountByJob(context.Background(), "job-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestAuditRecordWrittenOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuditRepository(db)

	rec := &domain.AuditRecord{JobID: "job-1", FinalStatus: domain.JobStatusCompleted, SuccessfulRows: 10}
	require.NoError(t, repo.Create(context.Background(), rec))

	// The replay carries different totals and must be ignored.
	replay := &domain.AuditRecord{JobID: "job-1", FinalStatus: domain.JobStatusFailed, SuccessfulRows: 0}
	require.NoError(t, repo.Create(context.Background(), replay))

	stored, err := repo.GetByJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.FinalStatus)
	assert.Equal(t, 10, stored.SuccessfulRows)

	var count int64
	require.NoError(t, db.Model(&domain.AuditRecord{}).Where("job_id = ?", "job-1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestErrorRepositoryPaginationAndResolve(t *testing.T) {
	db := newTestDB(t)
	repo := NewErrorRepository(db)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(context.Background(), &domain.ProcessingError{
			JobID:          "job-1",
			RowNumber:      i,
			Classification: domain.ErrorClassValidation,
			Message:        "bad row",
		}))
	}

	page, err := repo.ListByJob(context.Background(), "job-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Newest first.
	assert.Equal(t, 4, page[0].RowNumber)

	total, err := repo.CountByJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)

	require.NoError(t, repo.Resolve(context.Background(), page[0].ID))
	resolved, err := repo.ListByJob(context.Background(), "job-1", 1, 0)
	require.NoError(t, err)
	assert.True(t, resolved[0].Resolved)
	assert.NotNil(t, resolved[0].ResolvedAt)
}
