package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"taskflow-server/config"
	"taskflow-server/core"
	"taskflow-server/handlers/api"
	"taskflow-server/handlers/api/files"
	"taskflow-server/handlers/api/storage"
	"taskflow-server/handlers/api/tasks"
	"taskflow-server/handlers/websocket"
	storeMiddleware "taskflow-server/middleware"
	"taskflow-server/service"
	"taskflow-server/stores"
)

const shutdownTimeout = 10 * time.Second

var defaultOrigins = []string{"http://localhost:*", "http://127.0.0.1:*", "tauri://localhost"}

// corsOrigins turns the configured origins into go-chi/cors patterns. "*"
// allows every http and https origin.
func corsOrigins(origins []string) []string {
	allowed := append([]string{}, defaultOrigins...)
	for _, origin := range origins {
		if origin == "*" {
			return []string{"https://*", "http://*"}
		}
		allowed = append(allowed, origin)
	}
	return allowed
}

func setupRouter(cfg config.Config, store core.TaskStore, blobStore core.BlobStore, svc *service.Tasks) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.Origins()),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "Origin", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/health", api.HandleHealth(store.Ping))

	r.Route("/api", func(r chi.Router) {
		requireStore := storeMiddleware.RequireStore(store)

		r.Route("/tasks", func(r chi.Router) {
			r.Use(requireStore)
			r.Get("/", tasks.HandleList(svc))
			r.Post("/", tasks.HandleCreate(svc))
			r.Get("/stats", tasks.HandleStats(svc))
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", tasks.HandleUpdate(svc))
				r.Delete("/", tasks.HandleDelete(svc))
				r.Post("/upload", tasks.HandleUpload(svc, cfg.MaxUploadBytes))
				r.Post("/audio", tasks.HandleUploadAudio(svc, cfg.MaxUploadBytes))
				r.Delete("/attachments/{attachmentId}", tasks.HandleDeleteAttachment(svc))
				r.Delete("/audio/{audioId}", tasks.HandleDeleteAudio(svc))
			})
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/online-count", storage.HandleOnlineCount(svc))
			r.With(requireStore).Post("/migrate", storage.HandleMigrate(svc))
			r.With(requireStore).Get("/info", storage.HandleInfo(svc))
		})

		// Blob and realtime routes never touch the document store.
		r.Get("/files/{name}", files.HandleDownload(blobStore))
		r.Get("/audio/{name}", files.HandleAudio(blobStore))
		r.Get("/test-socket", storage.HandleTestSocket(svc))
		r.Get("/server/info", api.HandleServerInfo(cfg.ListenAddr))
	})

	return r
}

func runServer(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		return err
	}
	blobStore, err := stores.GetBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	hub := websocket.NewHub(cfg.Origins())
	svc := service.New(store, blobStore, hub, hub.Tracker())

	r := setupRouter(cfg, store, blobStore, svc)
	r.Mount("/socket.io/", hub.Server().ServeHandler(nil))

	go hub.RunHeartbeat(ctx, cfg.PresenceHeartbeat)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	logrus.WithFields(logrus.Fields{
		"addr":  cfg.ListenAddr,
		"store": cfg.StorageType,
		"blobs": blobStore.Kind(),
	}).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	waitForShutdown()
	cancel()

	logrus.Info("Shutting down...")
	hub.Close()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	closeStore(shutdownCtx, store)
	return nil
}

func waitForShutdown() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)

	s := <-signals
	logrus.WithField("signal", s.String()).Debug("received signal")
}

func closeStore(ctx context.Context, store core.TaskStore) {
	if err := stores.Close(ctx, store); err != nil {
		logrus.WithError(err).Warn("failed to close store")
	}
}
