package domain

import "time"

// DeduplicationRecord maps a content hash to the first sighting of that exact
// row content. A hash is inserted at most once; later sightings only bump
// TimesSeen and are treated as duplicates.
type DeduplicationRecord struct {
	ContentHash string    `gorm:"type:text;primaryKey" json:"content_hash"`
	BusinessKey string    `gorm:"type:text;not null" json:"business_key"`
	FirstJobID  string    `gorm:"type:text;not null;index:idx_deduplication_job" json:"first_job_id"`
	TimesSeen   int       `gorm:"default:1" json:"times_seen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for DeduplicationRecord.
func (DeduplicationRecord) TableName() string {
	return "deduplication"
}
