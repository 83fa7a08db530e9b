package domain

import "time"

// ChunkStatus represents the lifecycle state of a single chunk.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
	ChunkStatusSkipped    ChunkStatus = "skipped"
)

// Chunk is a contiguous, non-overlapping row range of an upload job.
// For a given job the ordered union of all chunk ranges covers
// [0, totalRows) with no gap and no overlap; the orchestrator creates the
// full partition before dispatching any work and only the worker executing
// a chunk mutates it afterwards.
type Chunk struct {
	ID       string `gorm:"type:text;primaryKey" json:"id"`
	JobID    string `gorm:"type:text;not null;index:idx_upload_chunks_job" json:"job_id"`
	Sequence int    `gorm:"not null" json:"sequence"`

	// Inclusive row range [StartRow, EndRow].
	StartRow int `gorm:"not null" json:"start_row"`
	EndRow   int `gorm:"not null" json:"end_row"`

	Status   ChunkStatus `gorm:"type:text;index:idx_upload_chunks_status;default:pending" json:"status"`
	Attempts int         `gorm:"default:0" json:"attempts"`

	ProcessedRows  int `gorm:"default:0" json:"processed_rows"`
	SuccessfulRows int `gorm:"default:0" json:"successful_rows"`
	FailedRows     int `gorm:"default:0" json:"failed_rows"`
	DuplicateRows  int `gorm:"default:0" json:"duplicate_rows"`

	ElapsedMs int64 `gorm:"default:0" json:"elapsed_ms"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Chunk.
func (Chunk) TableName() string {
	return "upload_chunks"
}

// RowCount returns the number of rows covered by the chunk range.
func (c *Chunk) RowCount() int {
	return c.EndRow - c.StartRow + 1
}
