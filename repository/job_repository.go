package repository

import (
	"database/sql"
	"errors"

	"github.com/camden-git/lastnurses/database"
	"github.com/camden-git/lastnurses/models"
)

// SQLJobLogRepository implements JobLogRepositoryInterface with squirrel
// queries on the raw connection.
type SQLJobLogRepository struct {
	db *sql.DB
}

func NewSQLJobLogRepository(db *sql.DB) JobLogRepositoryInterface {
	return &SQLJobLogRepository{db: db}
}

func (r *SQLJobLogRepository) Record(rec models.JobRecord) error {
	return database.InsertJob(r.db, rec)
}

func (r *SQLJobLogRepository) UpdateStatus(jobID, status string, errorMessage, outputRef *string) error {
	return database.UpdateJobStatus(r.db, jobID, status, errorMessage, outputRef)
}

func (r *SQLJobLogRepository) SetArchivePath(jobID, archivePath string) error {
	return database.SetJobArchivePath(r.db, jobID, archivePath)
}

func (r *SQLJobLogRepository) AbandonActive(exceptJobID string) (int64, error) {
	return database.MarkActiveJobsAbandoned(r.db, exceptJobID)
}

func (r *SQLJobLogRepository) Get(jobID string) (*models.JobRecord, error) {
	rec, err := database.GetJob(r.db, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *SQLJobLogRepository) List(status, sortOrder string, limit uint64) ([]models.JobRecord, error) {
	return database.ListJobs(r.db, status, sortOrder, limit)
}
