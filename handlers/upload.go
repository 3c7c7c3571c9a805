package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/media"
	"github.com/camden-git/lastnurses/realtime"
)

// multipart overhead allowed on top of the upload limit
const multipartSlack = 1 << 20

// Publisher pushes events to connected UI clients.
type Publisher interface {
	Publish(eventType string, data interface{})
}

type UploadStore interface {
	SaveUpload(ctx context.Context, img *media.NormalizedImage) (*media.StoredUpload, error)
	DeleteUpload(ctx context.Context, uploadID string) error
}

// Resetter abandons the active transform job.
type Resetter interface {
	Reset()
}

type UploadHandler struct {
	Pipeline *media.IngestPipeline
	Uploads  UploadStore
	Jobs     Resetter
	Events   Publisher
	MaxBytes int64
	Log      *zap.Logger
}

type uploadResponse struct {
	*media.StoredUpload
	DataURL string `json:"data_url"`
}

// Upload accepts a multipart "file", normalizes it and stores the result.
// A raw preview is published before normalization finishes.
func (uh *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	log := logger.OrNop(uh.Log)
	maxBytes := uh.MaxBytes
	if maxBytes <= 0 {
		maxBytes = media.DefaultMaxUploadBytes
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	if err := r.ParseMultipartForm(maxBytes + multipartSlack); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteAPIError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("%s: image size must be less than %dMB",
				media.ErrInvalidInput, maxBytes/(1024*1024)))
			return
		}
		WriteAPIError(w, http.StatusBadRequest, "invalid_upload", "Failed to parse upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "missing_file", "Missing 'file' form field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_upload", "Failed to read upload")
		return
	}
	raw := media.RawFile{Name: header.Filename, MimeType: header.Header.Get("Content-Type"), Data: data}

	var opts []media.ProcessOption
	if uh.Events != nil {
		opts = append(opts, media.WithPreview(func(dataURL string) {
			uh.Events.Publish(realtime.EventPreview, map[string]string{"name": raw.Name, "data_url": dataURL})
		}))
	}

	img, err := uh.Pipeline.ProcessImage(r.Context(), raw, opts...)
	if err != nil {
		if errors.Is(err, media.ErrInvalidInput) {
			WriteAPIError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		log.Error("handlers: failed to process upload", zap.String("name", raw.Name), zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "processing_failed", "Failed to process image")
		return
	}

	stored, err := uh.Uploads.SaveUpload(r.Context(), img)
	if err != nil {
		log.Error("handlers: failed to store upload", zap.String("name", raw.Name), zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "storage_failed", "Failed to store image")
		return
	}

	if uh.Events != nil {
		uh.Events.Publish(realtime.EventUploadReady, stored)
	}
	writeJSON(w, http.StatusCreated, uploadResponse{StoredUpload: stored, DataURL: img.DataURL})
}

// Delete clears an upload and abandons any job polling for it.
func (uh *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "upload_id")
	if uh.Jobs != nil {
		uh.Jobs.Reset()
	}
	if err := uh.Uploads.DeleteUpload(r.Context(), uploadID); err != nil {
		if errors.Is(err, media.ErrAssetNotFound) {
			WriteAPIError(w, http.StatusNotFound, "not_found", "Upload not found")
			return
		}
		logger.OrNop(uh.Log).Error("handlers: failed to delete upload", zap.String("upload_id", uploadID), zap.Error(err))
		WriteAPIError(w, http.StatusBadRequest, "delete_failed", "Failed to delete upload")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
