package files

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"taskflow-server/core"
	"taskflow-server/handlers/api"
)

// HandleDownload serves a stored attachment as a download.
func HandleDownload(store core.BlobStore) http.HandlerFunc {
	return serve(store, "File not found", func(w http.ResponseWriter, name string) {
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	})
}

// HandleAudio streams a recorded audio note for inline playback.
func HandleAudio(store core.BlobStore) http.HandlerFunc {
	return serve(store, "Audio file not found", func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "audio/webm")
	})
}

// serve redirects to a presigned URL when the backend supports it and
// streams the blob through the server otherwise.
func serve(store core.BlobStore, notFound string, setHeaders func(http.ResponseWriter, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		if presigner, ok := store.(core.Presigner); ok {
			url, err := presigner.PresignGet(r.Context(), name)
			if err != nil {
				api.RespondError(w, r, blobErr(err, notFound))
				return
			}
			http.Redirect(w, r, url, http.StatusFound)
			return
		}

		rc, err := store.Open(r.Context(), name)
		if err != nil {
			api.RespondError(w, r, blobErr(err, notFound))
			return
		}
		defer rc.Close()

		setHeaders(w, name)
		if _, err := io.Copy(w, rc); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
				"blob":  name,
			}).Warn("Failed to stream blob")
		}
	}
}

// blobErr reports unknown and malformed names alike as missing.
func blobErr(err error, notFound string) error {
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrValidation) {
		return core.NotFound(notFound)
	}
	return fmt.Errorf("read blob: %w", err)
}
