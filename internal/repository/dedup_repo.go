package repository

import (
	"context"

	"github.com/mangalm/invoice-ingest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupRepository is the deduplication index: the single source of truth for
// "has this exact record been ingested already". All mutations are atomic
// and idempotent on conflict, so chunks on different workers can race
// without broad locks.
type DedupRepository struct {
	db *gorm.DB
}

// NewDedupRepository creates a new DedupRepository.
func NewDedupRepository(db *gorm.DB) *DedupRepository {
	return &DedupRepository{db: db}
}

// Seen reports whether the content hash has already been recorded.
func (r *DedupRepository) Seen(ctx context.Context, hash string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.DeduplicationRecord{}).
		Where("content_hash = ?", hash).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Record inserts the first sighting of a hash. Insert-if-absent: when two
// chunks race on the same hash exactly one insert wins; the loser gets
// RowsAffected == 0 and must treat the record as already seen, not as an
// error.
// Returns:
//   - bool: true if this call was the first sighting.
//   - error: non-nil if the insert fails.
func (r *DedupRepository) Record(ctx context.Context, hash, businessKey, jobID string) (bool, error) {
	rec := domain.DeduplicationRecord{
		ContentHash: hash,
		BusinessKey: businessKey,
		FirstJobID:  jobID,
		TimesSeen:   1,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkDuplicate bumps the observation counter for an already-seen hash.
// The increment runs as a SQL expression so concurrent sightings never lose
// updates.
func (r *DedupRepository) MarkDuplicate(ctx context.Context, hash string) error {
	return r.db.WithContext(ctx).Model(&domain.DeduplicationRecord{}).
		Where("content_hash = ?", hash).
		Update("times_seen", gorm.Expr("times_seen + 1")).Error
}

// GetByHash retrieves the first-sighting record for a hash.
func (r *DedupRepository) GetByHash(ctx context.Context, hash string) (*domain.DeduplicationRecord, error) {
	var rec domain.DeduplicationRecord
	if err := r.db.WithContext(ctx).First(&rec, "content_hash = ?", hash).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Count returns the number of distinct hashes recorded.
func (r *DedupRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.DeduplicationRecord{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
