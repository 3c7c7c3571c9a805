package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/media"
)

// AssetServer creates a handler serving files of one asset type from store.
// it expects the request path to be routePrefix followed by the file name.
// example Usage in main.go:
//
//	r.Get("/uploads/*", AssetServer(store, media.AssetTypeUpload, "/api/uploads/", log))
func AssetServer(store media.Store, assetType media.AssetType, routePrefix string, log *zap.Logger) http.HandlerFunc {
	log = logger.OrNop(log)
	log.Info("handlers: serving assets", zap.String("route", routePrefix+"*"))

	return func(w http.ResponseWriter, r *http.Request) {
		// e.g., for route /api/uploads/* and request /api/uploads/x.jpg, extract "x.jpg"
		relativePath := strings.TrimPrefix(r.URL.Path, routePrefix)

		if relativePath == "" || strings.Contains(relativePath, "..") || strings.Contains(relativePath, "/") {
			WriteAPIError(w, http.StatusBadRequest, "invalid_path", "Invalid asset path")
			return
		}

		rc, err := store.Open(r.Context(), assetType, relativePath)
		if errors.Is(err, media.ErrAssetNotFound) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			log.Error("handlers: error opening asset", zap.String("path", relativePath), zap.Error(err))
			WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
			return
		}
		defer rc.Close()

		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))
		if ct := mime.TypeByExtension(path.Ext(relativePath)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}

		if _, err := io.Copy(w, rc); err != nil {
			log.Warn("handlers: error streaming asset", zap.String("path", relativePath), zap.Error(err))
		}
	}
}
