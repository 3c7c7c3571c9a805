package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// API groups the handlers mounted under /api.
type API struct {
	Uploads *UploadHandler

	// stored files, each optional
	UploadFiles    http.HandlerFunc
	ThumbnailFiles http.HandlerFunc
	ResultFiles    http.HandlerFunc

	Jobs    *JobHandler
	Quota   *QuotaHandler
	Session *SessionHandler
	Gallery *GalleryHandler
}

// Mount registers the API routes on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", a.Uploads.Upload)
		r.Delete("/{upload_id}", a.Uploads.Delete)
		if a.UploadFiles != nil {
			r.Get("/{upload_id}", a.UploadFiles)
		}
	})
	if a.ThumbnailFiles != nil {
		r.Get("/thumbnails/{name}", a.ThumbnailFiles)
	}
	if a.ResultFiles != nil {
		r.Get("/results/{name}", a.ResultFiles)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.Jobs.Submit)
		r.Get("/", a.Jobs.List)
		r.Get("/current", a.Jobs.Current)
		r.Post("/reset", a.Jobs.Reset)
	})

	r.Route("/quota", func(r chi.Router) {
		r.Get("/", a.Quota.Get)
		r.Post("/follow-bonus", a.Quota.FollowBonus)
		r.Post("/donation-bonus", a.Quota.DonationBonus)
	})

	r.Route("/session", func(r chi.Router) {
		r.Get("/", a.Session.Get)
		r.Post("/logout", a.Session.Logout)
		r.Route("/{provider}", func(r chi.Router) {
			r.Get("/authorize", a.Session.Authorize)
			r.Post("/callback", a.Session.Callback)
		})
	})

	r.Route("/gallery", func(r chi.Router) {
		r.Get("/", a.Gallery.List)
		r.Post("/hidden/{image_id}", a.Gallery.Hide)
		r.Delete("/hidden", a.Gallery.UnhideAll)
	})
}
