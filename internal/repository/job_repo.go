package repository

import (
	"context"
	"time"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles upload job persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new upload job.
func (r *JobRepository) Create(ctx context.Context, job *domain.UploadJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Claim atomically transitions a job from pending to processing. The
// conditional update guards against two orchestrator goroutines picking up
// the same job.
// Returns:
//   - bool: true if this caller won the claim.
//   - error: non-nil if the update fails.
func (r *JobRepository) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", id, domain.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.JobStatusProcessing,
			"started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetTotalRows records the row count discovered at claim time for jobs
// submitted without one.
func (r *JobRepository) SetTotalRows(ctx context.Context, id string, totalRows int) error {
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ?", id).
		Update("total_rows", totalRows).Error
}

// SetTotalChunks records the chunk partition size computed at submit time.
func (r *JobRepository) SetTotalChunks(ctx context.Context, id string, totalChunks int) error {
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ?", id).
		Update("total_chunks", totalChunks).Error
}

// Finalize writes the aggregated totals and terminal status in a single
// conditional update. It only matches jobs still in processing, so
// re-running finalize on an already finalized job is a no-op.
// Returns:
//   - bool: true if the job was finalized by this call.
//   - error: non-nil if the update fails.
func (r *JobRepository) Finalize(ctx context.Context, job *domain.UploadJob) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status = ?", job.ID, domain.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":          job.Status,
			"processed_rows":  job.ProcessedRows,
			"successful_rows": job.SuccessfulRows,
			"failed_rows":     job.FailedRows,
			"duplicate_rows":  job.DuplicateRows,
			"rows_per_second": job.RowsPerSecond,
			"error_log":       job.ErrorLog,
			"completed_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed fails a job that never produced chunks (orchestration-level
// errors). Only non-terminal jobs are touched.
func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       domain.JobStatusFailed,
			"error_log":    reason,
			"completed_at": now,
		}).Error
}

// ListByStatus retrieves jobs by status with pagination.
func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus, limit, offset int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(limit).
		Offset(offset).
		Order("priority DESC, created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
