package repository

import (
	"context"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditRepository handles the append-only audit log of finalized jobs.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends the finalization record for a job. The job_id unique index
// plus DoNothing keeps finalize idempotent at the audit level too: a second
// finalize attempt writes nothing.
func (r *AuditRepository) Create(ctx context.Context, rec *domain.AuditRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoNothing: true,
	}).Create(rec).Error
}

// GetByJob retrieves the audit record for a job.
func (r *AuditRepository) GetByJob(ctx context.Context, jobID string) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	if err := r.db.WithContext(ctx).First(&rec, "job_id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
