package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/session"
)

type SessionManager interface {
	Status() session.Status
	AnonymousID() (string, error)
	Login(ctx context.Context, provider session.AuthProvider) (identity.Change, error)
	Logout() error
}

// LoginService builds provider authorize URLs and exchanges callback codes.
type LoginService interface {
	session.CodeExchanger
	AuthorizeURL(provider, anonymousID string) string
}

type SessionHandler struct {
	Session SessionManager
	Login   LoginService
	Log     *zap.Logger
}

func (sh *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sh.Session.Status())
}

func (sh *SessionHandler) provider(w http.ResponseWriter, r *http.Request) (string, bool) {
	provider := chi.URLParam(r, "provider")
	if !session.KnownProvider(provider) {
		WriteAPIError(w, http.StatusNotFound, "unknown_provider", "Unknown login provider: "+provider)
		return "", false
	}
	return provider, true
}

// Authorize returns the URL where the provider login starts.
func (sh *SessionHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	provider, ok := sh.provider(w, r)
	if !ok {
		return
	}
	anonymousID, err := sh.Session.AnonymousID()
	if err != nil {
		logger.OrNop(sh.Log).Warn("handlers: authorizing without anonymous id", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": sh.Login.AuthorizeURL(provider, anonymousID)})
}

// Callback completes a provider login with the authorization code.
func (sh *SessionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := sh.provider(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	change, err := sh.Session.Login(r.Context(), session.CodeExchange{Exchanger: sh.Login, Provider: provider, Code: req.Code})
	if err != nil {
		if errors.Is(err, session.ErrAuthentication) {
			WriteAPIError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		logger.OrNop(sh.Log).Error("handlers: login failed", zap.String("provider", provider), zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (sh *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := sh.Session.Logout(); err != nil {
		logger.OrNop(sh.Log).Error("handlers: logout failed", zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
