package storage

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"taskflow-server/core"
	"taskflow-server/handlers/api"
	"taskflow-server/service"
)

type (
	MigrateRequest struct {
		OldStorageID string `json:"old_storage_id"`
		NewStorageID string `json:"new_storage_id"`
	}

	MigrateResponse struct {
		Success       bool   `json:"success"`
		Message       string `json:"message"`
		MigratedCount int64  `json:"migrated_count"`
		OldStorageID  string `json:"old_storage_id"`
		NewStorageID  string `json:"new_storage_id"`
	}

	OnlineCountResponse struct {
		StorageID string `json:"storage_id"`
		Count     int    `json:"count"`
	}

	TestSocketResponse struct {
		Message   string `json:"message"`
		StorageID string `json:"storage_id"`
	}

	StorageService interface {
		MigrateStorage(ctx context.Context, oldID, newID string) (int64, error)
		OnlineCount(storageID string) (int, error)
		StorageInfo(ctx context.Context, storageID string) (service.StorageInfo, error)
		PingRoom(storageID string) error
	}
)

// HandleMigrate moves every task and live connection of one storage id to
// another.
func HandleMigrate(svc StorageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MigrateRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			api.RespondError(w, r, core.Invalid("Invalid request body"))
			return
		}

		moved, err := svc.MigrateStorage(r.Context(), req.OldStorageID, req.NewStorageID)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, MigrateResponse{
			Success:       true,
			Message:       fmt.Sprintf("Successfully migrated %d tasks to new storage ID", moved),
			MigratedCount: moved,
			OldStorageID:  req.OldStorageID,
			NewStorageID:  req.NewStorageID,
		})
	}
}

func HandleOnlineCount(svc StorageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		count, err := svc.OnlineCount(storageID)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, OnlineCountResponse{StorageID: storageID, Count: count})
	}
}

// HandleInfo reports the task count and online users of a storage id.
func HandleInfo(svc StorageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		info, err := svc.StorageInfo(r.Context(), storageID)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, info)
	}
}

// HandleTestSocket emits a test event to the storage room so clients can
// check their realtime connection.
func HandleTestSocket(svc StorageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		if err := svc.PingRoom(storageID); err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, TestSocketResponse{Message: "Test event emitted", StorageID: storageID})
	}
}
