package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
	// Offer names an alternative the client can present, e.g. "donation".
	Offer string `json:"offer,omitempty"`
}

func errorBody(httpStatus int, code, detail string) APIErrorResponse {
	return APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	writeJSON(w, httpStatus, errorBody(httpStatus, code, detail))
}

// writeAPIErrorWithOffer is WriteAPIError plus an alternative offer.
func writeAPIErrorWithOffer(w http.ResponseWriter, httpStatus int, code, detail, offer string) {
	body := errorBody(httpStatus, code, detail)
	body.Offer = offer
	writeJSON(w, httpStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Warn("handlers: error encoding JSON response", zap.Error(err))
		}
	}
}

// decodeJSON reads a JSON request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return false
	}
	return true
}
