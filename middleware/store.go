package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RequireStore rejects requests with 503 while the document store cannot be
// reached.
func RequireStore(store Pinger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				logrus.WithFields(logrus.Fields{
					"error": err,
					"path":  r.URL.Path,
				}).Warn("Store ping failed")
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, map[string]string{"error": "Database connection not available"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
