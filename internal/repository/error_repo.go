package repository

import (
	"context"
	"time"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"gorm.io/gorm"
)

// ErrorRepository handles the append-only processing error log.
type ErrorRepository struct {
	db *gorm.DB
}

// NewErrorRepository creates a new ErrorRepository.
func NewErrorRepository(db *gorm.DB) *ErrorRepository {
	return &ErrorRepository{db: db}
}

// Create appends a processing error.
func (r *ErrorRepository) Create(ctx context.Context, perr *domain.ProcessingError) error {
	return r.db.WithContext(ctx).Create(perr).Error
}

// CreateBatch appends several processing errors at once.
func (r *ErrorRepository) CreateBatch(ctx context.Context, perrs []domain.ProcessingError) error {
	if len(perrs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(perrs, 200).Error
}

// ListByJob retrieves errors for a job with pagination, newest first.
func (r *ErrorRepository) ListByJob(ctx context.Context, jobID string, limit, offset int) ([]domain.ProcessingError, error) {
	var perrs []domain.ProcessingError
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&perrs).Error; err != nil {
		return nil, err
	}
	return perrs, nil
}

// CountByJob counts errors recorded for a job.
func (r *ErrorRepository) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.ProcessingError{}).
		Where("job_id = ?", jobID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Resolve marks an error as resolved. The only permitted mutation.
func (r *ErrorRepository) Resolve(ctx context.Context, id uint) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.ProcessingError{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": now,
		}).Error
}
