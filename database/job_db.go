package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/lastnurses/models"
)

var jobColumns = []string{
	"id",
	"job_id",
	"upload_id",
	"identity_kind",
	"status",
	"error_message",
	"output_ref",
	"archive_path",
	"created_at",
	"updated_at",
}

func scanJob(scanner interface{ Scan(...interface{}) error }) (models.JobRecord, error) {
	var rec models.JobRecord
	err := scanner.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.UploadID,
		&rec.IdentityKind,
		&rec.Status,
		&rec.ErrorMessage,
		&rec.OutputRef,
		&rec.ArchivePath,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

// InsertJob records a newly submitted job. Resubmitting a known job id
// resets its entry.
func InsertJob(db *sql.DB, rec models.JobRecord) error {
	now := time.Now().UTC()
	queryBuilder := psql.Insert(jobRecordsTable).
		Columns("job_id", "upload_id", "identity_kind", "status", "created_at", "updated_at").
		Values(rec.JobID, rec.UploadID, rec.IdentityKind, rec.Status, now, now).
		Suffix("ON CONFLICT(job_id) DO UPDATE SET").
		Suffix("upload_id = excluded.upload_id,").
		Suffix("identity_kind = excluded.identity_kind,").
		Suffix("status = excluded.status,").
		Suffix("error_message = NULL,").
		Suffix("output_ref = NULL,").
		Suffix("archive_path = NULL,").
		Suffix("updated_at = excluded.updated_at")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL query for InsertJob: %w", err)
	}
	if _, err := db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", rec.JobID, err)
	}
	return nil
}

// UpdateJobStatus sets the status of a job and, when non-nil, its error
// message and output reference.
func UpdateJobStatus(db *sql.DB, jobID, status string, errorMessage, outputRef *string) error {
	updateBuilder := psql.Update(jobRecordsTable).
		Set("status", status).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"job_id": jobID})
	if errorMessage != nil {
		updateBuilder = updateBuilder.Set("error_message", *errorMessage)
	}
	if outputRef != nil {
		updateBuilder = updateBuilder.Set("output_ref", *outputRef)
	}
	return execJobUpdate(db, updateBuilder, jobID)
}

func SetJobArchivePath(db *sql.DB, jobID, archivePath string) error {
	updateBuilder := psql.Update(jobRecordsTable).
		Set("archive_path", archivePath).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"job_id": jobID})
	return execJobUpdate(db, updateBuilder, jobID)
}

// MarkActiveJobsAbandoned flags every job still polling, used when a new
// submission or a reset supersedes it.
func MarkActiveJobsAbandoned(db *sql.DB, exceptJobID string) (int64, error) {
	updateBuilder := psql.Update(jobRecordsTable).
		Set("status", models.JobStatusAbandoned).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"status": models.JobStatusPolling}).
		Where(sq.NotEq{"job_id": exceptJobID})

	sqlStr, args, err := updateBuilder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for MarkActiveJobsAbandoned: %w", err)
	}
	res, err := db.Exec(sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark active jobs abandoned: %w", err)
	}
	return res.RowsAffected()
}

func execJobUpdate(db *sql.DB, updateBuilder sq.UpdateBuilder, jobID string) error {
	sqlStr, args, err := updateBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL update for job %s: %w", jobID, err)
	}
	res, err := db.Exec(sqlStr, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func GetJob(db *sql.DB, jobID string) (models.JobRecord, error) {
	queryBuilder := psql.Select(jobColumns...).
		From(jobRecordsTable).
		Where(sq.Eq{"job_id": jobID}).
		Limit(1)

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to build SQL query for GetJob: %w", err)
	}
	rec, err := scanJob(db.QueryRow(sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.JobRecord{}, sql.ErrNoRows
		}
		return models.JobRecord{}, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}
	return rec, nil
}

// ListJobs returns jobs in sortOrder (newest first by default), optionally
// filtered by status.
func ListJobs(db *sql.DB, status, sortOrder string, limit uint64) ([]models.JobRecord, error) {
	queryBuilder := psql.Select(jobColumns...).
		From(jobRecordsTable).
		OrderBy(jobOrderBy(sortOrder)...)
	if status != "" {
		queryBuilder = queryBuilder.Where(sq.Eq{"status": status})
	}
	if limit > 0 {
		queryBuilder = queryBuilder.Limit(limit)
	}

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for ListJobs: %w", err)
	}
	rows, err := db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}
