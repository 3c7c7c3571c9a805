package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/database"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/media"
	"github.com/camden-git/lastnurses/models"
	"github.com/camden-git/lastnurses/workers"
)

const defaultJobListLimit = 50

// JobController is the transform job state machine as used over HTTP.
type JobController interface {
	Submit(ctx context.Context, uploadID, dataURL string) (string, error)
	Current() workers.JobSnapshot
	Reset()
}

type UploadLoader interface {
	LoadUpload(ctx context.Context, uploadID string) (string, error)
}

type JobLister interface {
	List(status, sortOrder string, limit uint64) ([]models.JobRecord, error)
}

type JobHandler struct {
	Jobs    JobController
	Uploads UploadLoader
	JobLog  JobLister
	Log     *zap.Logger
}

// Submit starts a transform job for a stored upload.
func (jh *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	log := logger.OrNop(jh.Log)
	var req struct {
		UploadID string `json:"upload_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UploadID == "" {
		WriteAPIError(w, http.StatusBadRequest, "missing_upload_id", "Missing required field: upload_id")
		return
	}

	dataURL, err := jh.Uploads.LoadUpload(r.Context(), req.UploadID)
	if err != nil {
		if errors.Is(err, media.ErrAssetNotFound) {
			WriteAPIError(w, http.StatusNotFound, "not_found", "Upload not found")
			return
		}
		log.Error("handlers: failed to load upload", zap.String("upload_id", req.UploadID), zap.Error(err))
		WriteAPIError(w, http.StatusBadRequest, "invalid_upload", "Failed to load upload")
		return
	}

	jobID, err := jh.Jobs.Submit(r.Context(), req.UploadID, dataURL)
	switch {
	case errors.Is(err, workers.ErrQuotaExhausted):
		WriteAPIError(w, http.StatusPaymentRequired, "quota_exhausted", workers.MsgQuotaExhausted)
		return
	case err != nil:
		WriteAPIError(w, http.StatusBadGateway, "submission_failed", workers.MsgSubmissionFailed)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (jh *JobHandler) Current(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jh.Jobs.Current())
}

func (jh *JobHandler) Reset(w http.ResponseWriter, r *http.Request) {
	jh.Jobs.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// List returns the local job log, newest first unless ?sort=date_asc.
func (jh *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := uint64(defaultJobListLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 {
			WriteAPIError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sortOrder := r.URL.Query().Get("sort")
	if sortOrder == "" {
		sortOrder = database.DefaultSortOrder
	} else if !database.IsValidSortOrder(sortOrder) {
		WriteAPIError(w, http.StatusBadRequest, "invalid_sort", "sort must be date_desc or date_asc")
		return
	}

	records, err := jh.JobLog.List(r.URL.Query().Get("status"), sortOrder, limit)
	if err != nil {
		logger.OrNop(jh.Log).Error("handlers: failed to list jobs", zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs")
		return
	}
	if records == nil {
		records = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
