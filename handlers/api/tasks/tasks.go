package tasks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"taskflow-server/core"
	"taskflow-server/handlers/api"
	"taskflow-server/service"
)

type (
	CreateTaskRequest struct {
		StorageID    string  `json:"storage_id"`
		Title        string  `json:"title"`
		Description  string  `json:"description"`
		IsBackup     bool    `json:"is_backup"`
		OriginalID   *string `json:"original_id"`
		BackupReason *string `json:"backup_reason"`
	}

	UpdateTaskRequest struct {
		StorageID   string  `json:"storage_id"`
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Completed   *bool   `json:"completed"`
	}

	UpdateTaskResponse struct {
		Message string     `json:"message"`
		Task    *core.Task `json:"task"`
	}

	UploadAudioRequest struct {
		StorageID string  `json:"storage_id"`
		AudioData *string `json:"audio_data"`
		Duration  float64 `json:"duration"`
	}

	UploadFileResponse struct {
		Message  string          `json:"message"`
		FileInfo core.Attachment `json:"file_info"`
	}

	UploadAudioResponse struct {
		Message   string         `json:"message"`
		AudioInfo core.AudioNote `json:"audio_info"`
	}

	TaskService interface {
		List(ctx context.Context, storageID string) ([]*core.Task, error)
		Create(ctx context.Context, in service.CreateInput) (*core.Task, error)
		Update(ctx context.Context, storageID, id string, patch core.TaskPatch) (*core.Task, error)
		Delete(ctx context.Context, storageID, id string) error
		Stats(ctx context.Context, storageID string) (core.TaskStats, error)
		UploadAttachment(ctx context.Context, storageID, id, filename string, data []byte) (core.Attachment, error)
		UploadAudio(ctx context.Context, storageID, id, payload string, duration float64) (core.AudioNote, error)
		DeleteAttachment(ctx context.Context, storageID, id, key string) error
		DeleteAudio(ctx context.Context, storageID, id, key string) error
	}
)

var errInvalidBody = core.Invalid("Invalid request body")

// HandleList returns every task of a storage partition.
func HandleList(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}

		tasks, err := svc.List(r.Context(), storageID)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		if tasks == nil {
			tasks = []*core.Task{}
		}
		render.JSON(w, r, tasks)
	}
}

// HandleCreate creates a task and returns it with its generated id.
func HandleCreate(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			api.RespondError(w, r, errInvalidBody)
			return
		}

		task, err := svc.Create(r.Context(), service.CreateInput{
			StorageID:    req.StorageID,
			Title:        req.Title,
			Description:  req.Description,
			IsBackup:     req.IsBackup,
			OriginalID:   req.OriginalID,
			BackupReason: req.BackupReason,
		})
		if err != nil {
			api.RespondError(w, r, err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"storage_id": task.StorageID,
			"task_id":    task.ID,
		}).Debug("Task created")
		render.JSON(w, r, task)
	}
}

// HandleUpdate applies a partial update. The storage id comes from the body,
// or from the query string for clients that send it there.
func HandleUpdate(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateTaskRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			api.RespondError(w, r, errInvalidBody)
			return
		}
		if req.StorageID == "" {
			req.StorageID = r.URL.Query().Get("storage_id")
		}

		task, err := svc.Update(r.Context(), req.StorageID, chi.URLParam(r, "id"), core.TaskPatch{
			Title:       req.Title,
			Description: req.Description,
			Completed:   req.Completed,
		})
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, UpdateTaskResponse{Message: "Task updated successfully", Task: task})
	}
}

func HandleDelete(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		if err := svc.Delete(r.Context(), storageID, chi.URLParam(r, "id")); err != nil {
			api.RespondError(w, r, err)
			return
		}
		api.Message(w, r, "Task deleted successfully")
	}
}

// HandleStats returns completed and pending counts for a storage partition.
func HandleStats(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		stats, err := svc.Stats(r.Context(), storageID)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, stats)
	}
}

// HandleUpload stores a multipart "file" part as an attachment. Bodies
// larger than maxBytes are rejected.
func HandleUpload(svc TaskService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if errors.Is(err, http.ErrNotMultipart) {
				err = core.Invalid("No file provided")
			} else {
				err = bodyErr(err)
			}
			api.RespondError(w, r, err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				api.RespondError(w, r, core.Invalid("No file provided"))
				return
			}
			api.RespondError(w, r, bodyErr(err))
			return
		}
		defer file.Close()

		storageID := r.FormValue("storage_id")
		if storageID == "" {
			api.RespondError(w, r, core.ErrMissingStorageID)
			return
		}
		if header.Filename == "" {
			api.RespondError(w, r, core.Invalid("No file selected"))
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			api.RespondError(w, r, bodyErr(err))
			return
		}

		attachment, err := svc.UploadAttachment(r.Context(), storageID, chi.URLParam(r, "id"), header.Filename, data)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, UploadFileResponse{Message: "File uploaded successfully", FileInfo: attachment})
	}
}

// HandleUploadAudio stores a base64 recording sent as JSON. maxBytes bounds
// the decoded size, so the body may be a third larger.
func HandleUploadAudio(svc TaskService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes/3*4+4096)

		var req UploadAudioRequest
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			api.RespondError(w, r, bodyErr(err))
			return
		}
		if req.AudioData == nil {
			api.RespondError(w, r, core.Invalid("No audio data provided"))
			return
		}

		note, err := svc.UploadAudio(r.Context(), req.StorageID, chi.URLParam(r, "id"), *req.AudioData, req.Duration)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		render.JSON(w, r, UploadAudioResponse{Message: "Audio uploaded successfully", AudioInfo: note})
	}
}

// HandleDeleteAttachment removes an attachment addressed by id or by its
// unique filename.
func HandleDeleteAttachment(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		err = svc.DeleteAttachment(r.Context(), storageID, chi.URLParam(r, "id"), chi.URLParam(r, "attachmentId"))
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		api.Message(w, r, "Attachment deleted successfully")
	}
}

func HandleDeleteAudio(svc TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storageID, err := api.StorageIDFromQuery(r)
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		err = svc.DeleteAudio(r.Context(), storageID, chi.URLParam(r, "id"), chi.URLParam(r, "audioId"))
		if err != nil {
			api.RespondError(w, r, err)
			return
		}
		api.Message(w, r, "Audio note deleted successfully")
	}
}

func bodyErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return core.Invalid("File too large")
	}
	return errInvalidBody
}
