package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/gallery"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/remote"
)

type GalleryLister interface {
	Items(ctx context.Context) ([]gallery.Item, error)
}

type HiddenSet interface {
	Hide(id string) error
	UnhideAll() error
}

type GalleryHandler struct {
	Gallery GalleryLister
	Hidden  HiddenSet
	Log     *zap.Logger
}

func (gh *GalleryHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := gh.Gallery.Items(r.Context())
	switch {
	case errors.Is(err, gallery.ErrAuthenticationRequired), remote.IsStatus(err, http.StatusUnauthorized):
		WriteAPIError(w, http.StatusUnauthorized, "authentication_required", "Please log in to view your gallery")
		return
	case err != nil:
		logger.OrNop(gh.Log).Error("handlers: failed to load gallery", zap.Error(err))
		WriteAPIError(w, http.StatusBadGateway, "gallery_unavailable", "Failed to load gallery")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (gh *GalleryHandler) Hide(w http.ResponseWriter, r *http.Request) {
	if err := gh.Hidden.Hide(chi.URLParam(r, "image_id")); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "hide_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (gh *GalleryHandler) UnhideAll(w http.ResponseWriter, r *http.Request) {
	if err := gh.Hidden.UnhideAll(); err != nil {
		logger.OrNop(gh.Log).Error("handlers: failed to unhide images", zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to unhide images")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
