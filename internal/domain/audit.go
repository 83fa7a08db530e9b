package domain

import "time"

// AuditRecord is an append-only summary written exactly once when a job is
// finalized. It exists so that finalized totals survive any later mutation
// of the job row.
type AuditRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID          string    `gorm:"type:text;not null;uniqueIndex:idx_audit_log_job" json:"job_id"`
	FinalStatus    JobStatus `gorm:"type:text;not null" json:"final_status"`
	TotalRows      int       `json:"total_rows"`
	ProcessedRows  int       `json:"processed_rows"`
	SuccessfulRows int       `json:"successful_rows"`
	FailedRows     int       `json:"failed_rows"`
	DuplicateRows  int       `json:"duplicate_rows"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for AuditRecord.
func (AuditRecord) TableName() string {
	return "audit_log"
}
