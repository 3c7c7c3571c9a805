package repository

import (
	"github.com/camden-git/lastnurses/models"
)

// KeyValueStore persists small pieces of local client state
type KeyValueStore interface {
	// Get returns the stored value and whether the key exists
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// Remove deletes a key, missing keys are not an error
	Remove(key string) error
}

// JobLogRepositoryInterface defines the methods for the local job log
type JobLogRepositoryInterface interface {
	Record(rec models.JobRecord) error
	UpdateStatus(jobID, status string, errorMessage, outputRef *string) error
	SetArchivePath(jobID, archivePath string) error
	AbandonActive(exceptJobID string) (int64, error)
	Get(jobID string) (*models.JobRecord, error)
	List(status, sortOrder string, limit uint64) ([]models.JobRecord, error)
}
