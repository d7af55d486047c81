package api

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// HandleHealth answers "ok" while ping succeeds and 503 otherwise.
func HandleHealth(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := ping(r.Context()); err != nil {
			logrus.WithField("error", err).Warn("Health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unavailable"))
			return
		}
		w.Write([]byte("ok"))
	}
}
