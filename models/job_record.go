package models

import "time"

// job log statuses mirror the controller's terminal and in-flight states
const (
	JobStatusPolling   = "polling"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusAbandoned = "abandoned"
)

// JobRecord is the local log entry of one remote transform job.
type JobRecord struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	JobID        string    `json:"job_id" gorm:"uniqueIndex;not null"`
	UploadID     string    `json:"upload_id"`
	IdentityKind string    `json:"identity_kind"`
	Status       string    `json:"status" gorm:"index;not null"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	OutputRef    *string   `json:"output_ref,omitempty"`
	ArchivePath  *string   `json:"archive_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
