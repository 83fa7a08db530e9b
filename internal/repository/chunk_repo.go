package repository

import (
	"context"
	"time"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"gorm.io/gorm"
)

// ChunkRepository handles chunk persistence.
type ChunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// CreateAll inserts the full chunk partition for a job in one statement.
// The orchestrator calls this before dispatching any work so the partition
// invariant holds even if dispatch later fails.
func (r *ChunkRepository) CreateAll(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(chunks, 500).Error
}

// GetByID retrieves a chunk by its ID.
func (r *ChunkRepository) GetByID(ctx context.Context, id string) (*domain.Chunk, error) {
	var chunk domain.Chunk
	if err := r.db.WithContext(ctx).First(&chunk, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

// ListByJob retrieves all chunks of a job ordered by sequence.
func (r *ChunkRepository) ListByJob(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC").
		Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

// MarkProcessing records the start of a processing attempt.
func (r *ChunkRepository) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.ChunkStatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
		}).Error
}

// Complete writes the chunk outcome, counters, and elapsed time.
func (r *ChunkRepository) Complete(ctx context.Context, chunk *domain.Chunk) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ?", chunk.ID).
		Updates(map[string]interface{}{
			"status":          domain.ChunkStatusCompleted,
			"processed_rows":  chunk.ProcessedRows,
			"successful_rows": chunk.SuccessfulRows,
			"failed_rows":     chunk.FailedRows,
			"duplicate_rows":  chunk.DuplicateRows,
			"elapsed_ms":      chunk.ElapsedMs,
			"completed_at":    now,
		}).Error
}

// MarkFailed records a chunk that exhausted its retry budget.
func (r *ChunkRepository) MarkFailed(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       domain.ChunkStatusFailed,
			"completed_at": now,
		}).Error
}

// MarkSkipped marks one chunk skipped after cancellation. Matches chunks
// that never ran to completion: pending ones and ones claimed for an attempt
// that was aborted before reaching a worker.
func (r *ChunkRepository) MarkSkipped(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ? AND status IN ?", id, []domain.ChunkStatus{domain.ChunkStatusPending, domain.ChunkStatusProcessing}).
		Update("status", domain.ChunkStatusSkipped).Error
}

// SkipPending marks every not-yet-started chunk of a job as skipped.
// Used by cancellation; chunks already mid-flight are left to finish.
// Returns the number of chunks skipped.
func (r *ChunkRepository) SkipPending(ctx context.Context, jobID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("job_id = ? AND status = ?", jobID, domain.ChunkStatusPending).
		Update("status", domain.ChunkStatusSkipped)
	return res.RowsAffected, res.Error
}

// JobTotals is the single-pass aggregate over a job's chunk counters.
type JobTotals struct {
	ProcessedRows  int
	SuccessfulRows int
	FailedRows     int
	DuplicateRows  int
	FailedChunks   int
	SkippedChunks  int
}

// AggregateByJob sums chunk counters for finalization in one query.
func (r *ChunkRepository) AggregateByJob(ctx context.Context, jobID string) (*JobTotals, error) {
	var totals JobTotals
	err := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Select(
			"COALESCE(SUM(processed_rows), 0) AS processed_rows, "+
				"COALESCE(SUM(successful_rows), 0) AS successful_rows, "+
				"COALESCE(SUM(failed_rows), 0) AS failed_rows, "+
				"COALESCE(SUM(duplicate_rows), 0) AS duplicate_rows, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed_chunks, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS skipped_chunks",
			domain.ChunkStatusFailed, domain.ChunkStatusSkipped).
		Where("job_id = ?", jobID).
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return &totals, nil
}
