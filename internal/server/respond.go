package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
)

var (
	errRouteNotFound    = apierr.New(apierr.NotFound, "no such route")
	errMethodNotAllowed = apierr.New(apierr.BadRequest, "method not allowed")
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	MoreInfo  string `json:"moreInfo,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.As(err)
	status := e.Kind.HTTPStatus()
	if err == errMethodNotAllowed {
		status = http.StatusMethodNotAllowed
	}
	body := ErrorBody{
		Status:    status,
		Code:      e.Kind.String(),
		Message:   e.Message,
		MoreInfo:  e.MoreInfo,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", body.Code,
			"request_id", body.RequestID,
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

func (a *API) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierr.Newf(apierr.BadRequest, "body exceeds %d bytes", tooLarge.Limit)
		}
		return apierr.Wrap(apierr.BadRequest, "malformed JSON body", err)
	}
	if dec.More() {
		return apierr.New(apierr.BadRequest, "trailing data after JSON body")
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return apierr.Newf(apierr.BadRequest, "%s is required", name)
	}
	return nil
}
