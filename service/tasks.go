// Package service implements the task operations shared by the HTTP API:
// partition checks, blob handling, and realtime fan-out after each commit.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"taskflow-server/blobs"
	"taskflow-server/core"
	"taskflow-server/realtime"
)

const (
	msgTaskNotFound       = "Task not found or access denied"
	msgAttachmentNotFound = "Attachment not found"
	msgAudioNotFound      = "Audio note not found"
)

type (
	// Presence is the part of the presence tracker the task API needs.
	Presence interface {
		Count(storageID string) int
		Migrate(oldStorageID, newStorageID string)
	}

	// CreateInput carries the fields accepted when creating a task.
	CreateInput struct {
		StorageID    string
		Title        string
		Description  string
		IsBackup     bool
		OriginalID   *string
		BackupReason *string
	}

	// StorageInfo describes a storage partition for debugging clients.
	StorageInfo struct {
		StorageID   string    `json:"storage_id"`
		TaskCount   int64     `json:"task_count"`
		OnlineCount int       `json:"online_count"`
		Timestamp   time.Time `json:"timestamp"`
	}

	Tasks struct {
		store     core.TaskStore
		blobs     core.BlobStore
		publisher realtime.Publisher
		presence  Presence
		now       func() time.Time
	}
)

func New(store core.TaskStore, blobStore core.BlobStore, publisher realtime.Publisher, presence Presence) *Tasks {
	return &Tasks{
		store:     store,
		blobs:     blobStore,
		publisher: publisher,
		presence:  presence,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Tasks) List(ctx context.Context, storageID string) ([]*core.Task, error) {
	if storageID == "" {
		return nil, core.ErrMissingStorageID
	}
	return s.store.List(ctx, storageID)
}

func (s *Tasks) Create(ctx context.Context, in CreateInput) (*core.Task, error) {
	if in.StorageID == "" {
		return nil, core.ErrMissingStorageID
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, core.Invalid("Title is required")
	}

	task := core.NewTask(in.StorageID, title, in.Description, s.now())
	task.IsBackup = in.IsBackup
	task.OriginalID = in.OriginalID
	task.BackupReason = in.BackupReason

	id, err := s.store.Insert(ctx, task)
	if err != nil {
		return nil, err
	}
	created, err := s.store.Get(ctx, in.StorageID, id)
	if err != nil {
		return nil, err
	}

	s.publish(realtime.TaskCreated(created))
	return created, nil
}

// Update applies a partial update. A patch that only toggles completion is
// announced as "completed", anything else as "updated".
func (s *Tasks) Update(ctx context.Context, storageID, id string, patch core.TaskPatch) (*core.Task, error) {
	if _, err := s.owned(ctx, storageID, id); err != nil {
		return nil, err
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, core.Invalid("Title cannot be empty")
	}

	patch.UpdatedAt = s.now()
	if err := s.store.Update(ctx, storageID, id, patch); err != nil {
		return nil, taskErr(err)
	}

	updateType := realtime.UpdateUpdated
	if patch.OnlyCompletion() {
		updateType = realtime.UpdateCompleted
	}
	return s.reloadAndPublish(ctx, storageID, id, func(task *core.Task) realtime.Event {
		return realtime.TaskUpdated(task, updateType)
	})
}

// Delete removes a task and then, best effort, the blobs it referenced.
func (s *Tasks) Delete(ctx context.Context, storageID, id string) error {
	task, err := s.owned(ctx, storageID, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, storageID, id); err != nil {
		return taskErr(err)
	}
	s.publish(realtime.TaskDeleted(storageID, id))

	for _, a := range task.Attachments {
		s.deleteBlob(ctx, attachmentKey(a))
	}
	for _, n := range task.AudioNotes {
		s.deleteBlob(ctx, audioKey(n))
	}
	return nil
}

func (s *Tasks) Stats(ctx context.Context, storageID string) (core.TaskStats, error) {
	if storageID == "" {
		return core.TaskStats{}, core.ErrMissingStorageID
	}
	return s.store.Stats(ctx, storageID)
}

// UploadAttachment stores an uploaded file and appends it to the task.
func (s *Tasks) UploadAttachment(ctx context.Context, storageID, id, filename string, data []byte) (core.Attachment, error) {
	if _, err := s.owned(ctx, storageID, id); err != nil {
		return core.Attachment{}, err
	}
	safe := blobs.SecureFilename(filename)
	if safe == "" {
		return core.Attachment{}, core.Invalid("No file selected")
	}

	blob, err := s.blobs.Store(ctx, data, blobs.UniqueName(safe))
	if err != nil {
		return core.Attachment{}, err
	}

	now := s.now()
	attachment := core.Attachment{
		ID:             ulid.Make().String(),
		Filename:       safe,
		UniqueFilename: blob.UniqueName,
		Locator:        blob.Locator,
		UploadedAt:     now,
		Size:           blob.Size,
	}
	if err := s.store.PushAttachment(ctx, storageID, id, attachment, now); err != nil {
		s.deleteBlob(ctx, blob.UniqueName)
		return core.Attachment{}, taskErr(err)
	}

	_, err = s.reloadAndPublish(ctx, storageID, id, func(task *core.Task) realtime.Event {
		return realtime.AttachmentAdded(task, attachment)
	})
	return attachment, err
}

// UploadAudio decodes a base64 recording, either raw or as a data URL, and
// appends it to the task as an audio note.
func (s *Tasks) UploadAudio(ctx context.Context, storageID, id, payload string, duration float64) (core.AudioNote, error) {
	if _, err := s.owned(ctx, storageID, id); err != nil {
		return core.AudioNote{}, err
	}
	data, err := DecodeAudio(payload)
	if err != nil {
		return core.AudioNote{}, err
	}
	if duration < 0 {
		duration = 0
	}

	blob, err := s.blobs.Store(ctx, data, blobs.AudioName())
	if err != nil {
		return core.AudioNote{}, err
	}

	now := s.now()
	note := core.AudioNote{
		ID:         ulid.Make().String(),
		Filename:   blob.UniqueName,
		Locator:    blob.Locator,
		RecordedAt: now,
		Duration:   duration,
		Size:       blob.Size,
	}
	if err := s.store.PushAudioNote(ctx, storageID, id, note, now); err != nil {
		s.deleteBlob(ctx, blob.UniqueName)
		return core.AudioNote{}, taskErr(err)
	}

	_, err = s.reloadAndPublish(ctx, storageID, id, func(task *core.Task) realtime.Event {
		return realtime.AudioAdded(task, note)
	})
	return note, err
}

// DeleteAttachment removes an attachment addressed by id or, for older
// records, by its unique filename.
func (s *Tasks) DeleteAttachment(ctx context.Context, storageID, id, key string) error {
	task, err := s.owned(ctx, storageID, id)
	if err != nil {
		return err
	}
	attachment, ref, ok := core.FindAttachment(task, key)
	if !ok {
		return core.NotFound(msgAttachmentNotFound)
	}

	s.deleteBlob(ctx, attachmentKey(*attachment))
	if err := s.store.PullAttachment(ctx, storageID, id, ref, s.now()); err != nil {
		return taskErr(err)
	}
	_, err = s.reloadAndPublish(ctx, storageID, id, func(task *core.Task) realtime.Event {
		return realtime.TaskUpdated(task, realtime.UpdateAttachmentDeleted)
	})
	return err
}

// DeleteAudio removes an audio note addressed by id or by its filename.
func (s *Tasks) DeleteAudio(ctx context.Context, storageID, id, key string) error {
	task, err := s.owned(ctx, storageID, id)
	if err != nil {
		return err
	}
	note, ref, ok := core.FindAudioNote(task, key)
	if !ok {
		return core.NotFound(msgAudioNotFound)
	}

	s.deleteBlob(ctx, audioKey(*note))
	if err := s.store.PullAudioNote(ctx, storageID, id, ref, s.now()); err != nil {
		return taskErr(err)
	}
	_, err = s.reloadAndPublish(ctx, storageID, id, func(task *core.Task) realtime.Event {
		return realtime.TaskUpdated(task, realtime.UpdateAudioDeleted)
	})
	return err
}

// MigrateStorage moves every task and every live connection from oldID to
// newID. The presence tracker broadcasts the merged online count.
func (s *Tasks) MigrateStorage(ctx context.Context, oldID, newID string) (int64, error) {
	if oldID == "" || newID == "" {
		return 0, core.Invalid("Both old and new storage IDs are required")
	}
	if oldID == newID {
		return 0, core.Invalid("Old and new storage IDs must be different")
	}

	moved, err := s.store.MigrateStorage(ctx, oldID, newID, s.now())
	if err != nil {
		return 0, err
	}
	s.presence.Migrate(oldID, newID)

	logrus.WithFields(logrus.Fields{
		"from":     oldID,
		"to":       newID,
		"migrated": moved,
	}).Info("storage migrated")
	return moved, nil
}

func (s *Tasks) OnlineCount(storageID string) (int, error) {
	if storageID == "" {
		return 0, core.ErrMissingStorageID
	}
	return s.presence.Count(storageID), nil
}

func (s *Tasks) StorageInfo(ctx context.Context, storageID string) (StorageInfo, error) {
	if storageID == "" {
		return StorageInfo{}, core.ErrMissingStorageID
	}
	count, err := s.store.Count(ctx, storageID)
	if err != nil {
		return StorageInfo{}, err
	}
	return StorageInfo{
		StorageID:   storageID,
		TaskCount:   count,
		OnlineCount: s.presence.Count(storageID),
		Timestamp:   s.now(),
	}, nil
}

// PingRoom sends a test event to every connection in a storage room.
func (s *Tasks) PingRoom(storageID string) error {
	if storageID == "" {
		return core.ErrMissingStorageID
	}
	return s.publisher.Publish(realtime.Test(storageID, s.now()))
}

// DecodeAudio accepts "data:audio/webm;base64,<payload>" or a bare base64
// payload.
func DecodeAudio(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		_, data, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, core.Invalid("Invalid audio data")
		}
		payload = data
	}
	if payload == "" {
		return nil, core.Invalid("No audio data provided")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, core.Invalid("Invalid audio data")
		}
	}
	if len(data) == 0 {
		return nil, core.Invalid("No audio data provided")
	}
	return data, nil
}

// owned loads a task and checks that it belongs to storageID.
func (s *Tasks) owned(ctx context.Context, storageID, id string) (*core.Task, error) {
	if storageID == "" {
		return nil, core.ErrMissingStorageID
	}
	task, err := s.store.Get(ctx, storageID, id)
	if err != nil {
		return nil, taskErr(err)
	}
	return task, nil
}

// reloadAndPublish re-reads the committed task so the event carries the
// stored state, then publishes it.
func (s *Tasks) reloadAndPublish(ctx context.Context, storageID, id string, build func(*core.Task) realtime.Event) (*core.Task, error) {
	task, err := s.store.Get(ctx, storageID, id)
	if err != nil {
		return nil, taskErr(err)
	}
	s.publish(build(task))
	return task, nil
}

func (s *Tasks) publish(ev realtime.Event) {
	if err := s.publisher.Publish(ev); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"event":      ev.Name,
			"storage_id": ev.StorageID,
		}).Warn("failed to publish event")
	}
}

func (s *Tasks) deleteBlob(ctx context.Context, name string) {
	if name == "" {
		return
	}
	log := logrus.WithField("blob", name)
	deleted, err := s.blobs.Delete(ctx, name)
	if err != nil {
		log.WithError(err).Warn("failed to delete blob")
		return
	}
	if !deleted {
		log.Debug("blob already gone")
	}
}

func taskErr(err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.NotFound(msgTaskNotFound)
	}
	return err
}

// attachmentKey is the blob key of an attachment. Records without a unique
// filename fall back to the basename of their locator.
func attachmentKey(a core.Attachment) string {
	if a.UniqueFilename != "" {
		return a.UniqueFilename
	}
	return locatorBase(a.Locator)
}

func audioKey(n core.AudioNote) string {
	if n.Filename != "" {
		return n.Filename
	}
	return locatorBase(n.Locator)
}

func locatorBase(locator string) string {
	if locator == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(locator, "\\", "/"))
}
