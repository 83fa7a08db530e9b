package domain

import "time"

// JobStatus represents the lifecycle state of an upload job.
// Values include JobStatusPending, JobStatusProcessing, JobStatusCompleted,
// JobStatusPartiallyCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusPending            JobStatus = "pending"
	JobStatusProcessing         JobStatus = "processing"
	JobStatusCompleted          JobStatus = "completed"
	JobStatusPartiallyCompleted JobStatus = "partially_completed"
	JobStatusFailed             JobStatus = "failed"
)

// Terminal reports whether the status is a final state. Finalized jobs are
// never mutated again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartiallyCompleted || s == JobStatusFailed
}

// UploadJob represents one bulk ingestion job over a tabular source file.
// Counters are owned by the orchestrator's finalize step; workers only ever
// touch their own chunk rows.
type UploadJob struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	SourceRef string    `gorm:"type:text;not null" json:"source_ref"`
	Status    JobStatus `gorm:"type:text;index:idx_upload_jobs_status;default:pending" json:"status"`
	Priority  int       `gorm:"default:0" json:"priority"`

	// Submission options, frozen at submit time.
	ChunkSize       int  `gorm:"default:1000" json:"chunk_size"`
	SkipOnDuplicate bool `gorm:"default:true" json:"skip_on_duplicate"`
	MaxRetries      int  `gorm:"default:3" json:"max_retries"`

	TotalRows   int `gorm:"not null" json:"total_rows"`
	TotalChunks int `gorm:"default:0" json:"total_chunks"`

	ProcessedRows  int `gorm:"default:0" json:"processed_rows"`
	SuccessfulRows int `gorm:"default:0" json:"successful_rows"`
	FailedRows     int `gorm:"default:0" json:"failed_rows"`
	DuplicateRows  int `gorm:"default:0" json:"duplicate_rows"`

	RowsPerSecond float64 `gorm:"default:0" json:"rows_per_second"`
	ErrorLog      string  `json:"error_log,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for UploadJob.
func (UploadJob) TableName() string {
	return "upload_jobs"
}

// PercentComplete computes job progress from processed rows.
func (j *UploadJob) PercentComplete() float64 {
	if j.TotalRows == 0 {
		return 100
	}
	return float64(j.ProcessedRows) / float64(j.TotalRows) * 100
}
