package domain

import "time"

// ErrorClass categorizes a processing error per the pipeline's taxonomy.
type ErrorClass string

const (
	// ErrorClassValidation covers row-level structural violations. Recoverable,
	// never aborts the chunk.
	ErrorClassValidation ErrorClass = "validation"
	// ErrorClassChunk covers transaction or flush failures for a whole chunk.
	ErrorClassChunk ErrorClass = "chunk"
	// ErrorClassWorker covers abnormal worker exits.
	ErrorClassWorker ErrorClass = "worker"
	// ErrorClassStore covers backing-store unavailability surfaced by the
	// circuit breaker.
	ErrorClassStore ErrorClass = "store"
	// ErrorClassOrchestration covers job-fatal errors such as an unreadable
	// source file.
	ErrorClassOrchestration ErrorClass = "orchestration"
)

// ProcessingError is an append-only record of a failure observed while
// ingesting. Rows are never mutated except to mark resolution.
type ProcessingError struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID          string     `gorm:"type:text;not null;index:idx_processing_errors_job" json:"job_id"`
	ChunkID        string     `gorm:"type:text;index:idx_processing_errors_chunk" json:"chunk_id,omitempty"`
	RowNumber      int        `gorm:"default:-1" json:"row_number"`
	Classification ErrorClass `gorm:"type:text;not null" json:"classification"`
	Message        string     `gorm:"type:text" json:"message"`
	Retryable      bool       `gorm:"default:false" json:"retryable"`
	Resolved       bool       `gorm:"default:false" json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TableName returns the database table name for ProcessingError.
func (ProcessingError) TableName() string {
	return "processing_errors"
}
