// Package api holds what the HTTP handlers share: error rendering and
// storage id extraction.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"taskflow-server/core"
)

type (
	ErrorResponse struct {
		Error string `json:"error"`
	}

	MessageResponse struct {
		Message string `json:"message"`
	}
)

// StatusFor maps a service error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrMissingStorageID), errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError renders err as {"error": message}. Errors without a known
// kind are logged and reported as internal errors.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()

	switch {
	case errors.Is(err, core.ErrStorageUnavailable):
		msg = "Database connection not available"
		logrus.WithError(err).Warn("Storage unavailable")
	case errors.Is(err, core.ErrBlobUploadFailed):
		msg = "File upload failed"
		logrus.WithError(err).Error("Blob upload failed")
	case status == http.StatusInternalServerError:
		msg = "Internal server error: " + err.Error()
		logrus.WithFields(logrus.Fields{
			"error":  err,
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}

	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

// Message renders {"message": msg} with status 200.
func Message(w http.ResponseWriter, r *http.Request, msg string) {
	render.JSON(w, r, MessageResponse{Message: msg})
}

// StorageIDFromQuery reads the storage_id query parameter.
func StorageIDFromQuery(r *http.Request) (string, error) {
	id := r.URL.Query().Get("storage_id")
	if id == "" {
		return "", core.ErrMissingStorageID
	}
	return id, nil
}
