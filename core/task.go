package core

import (
	"context"
	"time"
)

type (
	// Task is a single to-do item. Every task belongs to exactly one storage
	// partition, identified by an opaque StorageID chosen by the client.
	Task struct {
		ID          string       `json:"_id"`
		Title       string       `json:"title"`
		Description string       `json:"description"`
		Completed   bool         `json:"completed"`
		StorageID   string       `json:"storage_id"`
		CreatedAt   time.Time    `json:"created_at"`
		UpdatedAt   time.Time    `json:"updated_at"`
		Attachments []Attachment `json:"attachments"`
		AudioNotes  []AudioNote  `json:"audio_notes"`

		// Backup lineage is client bookkeeping. It is stored and returned verbatim.
		IsBackup     bool    `json:"is_backup"`
		OriginalID   *string `json:"original_id"`
		BackupReason *string `json:"backup_reason"`
	}

	// Attachment is a file embedded in a task.
	Attachment struct {
		ID             string    `json:"_id,omitempty"`
		Filename       string    `json:"filename"`
		UniqueFilename string    `json:"unique_filename"`
		Locator        string    `json:"file_path"`
		UploadedAt     time.Time `json:"uploaded_at"`
		Size           int64     `json:"file_size"`
	}

	// AudioNote is a recorded voice note embedded in a task. Filename is the
	// blob key.
	AudioNote struct {
		ID         string    `json:"_id,omitempty"`
		Filename   string    `json:"filename"`
		Locator    string    `json:"file_path"`
		RecordedAt time.Time `json:"recorded_at"`
		Duration   float64   `json:"duration"`
		Size       int64     `json:"file_size"`
	}

	// TaskPatch carries the fields of a partial update. Nil means "leave as is".
	TaskPatch struct {
		Title       *string
		Description *string
		Completed   *bool
		UpdatedAt   time.Time
	}

	// TaskStats summarizes a storage partition.
	TaskStats struct {
		Completed int64 `json:"completed"`
		Pending   int64 `json:"pending"`
	}

	// SubdocRef selects an attachment or audio note inside a task. When ID is
	// set the subdocument is matched by id, otherwise by its legacy filename key.
	SubdocRef struct {
		ID       string
		Filename string
	}

	// TaskStore is the persistence layer for tasks. Every operation is scoped
	// to a storage id; an operation on a task that exists under a different
	// storage id must behave exactly like one on a missing task and return
	// ErrNotFound.
	TaskStore interface {
		// Ping reports whether the backing database is reachable.
		Ping(ctx context.Context) error

		// List returns every task of a storage partition in insertion order.
		List(ctx context.Context, storageID string) ([]*Task, error)

		// Get returns a single task.
		Get(ctx context.Context, storageID, id string) (*Task, error)

		// Insert stores a new task and returns its generated id.
		Insert(ctx context.Context, task *Task) (string, error)

		// Update applies a partial update and bumps updated_at.
		Update(ctx context.Context, storageID, id string, patch TaskPatch) error

		// PushAttachment appends an attachment and bumps updated_at.
		PushAttachment(ctx context.Context, storageID, id string, attachment Attachment, at time.Time) error

		// PullAttachment removes the attachment selected by ref and bumps updated_at.
		PullAttachment(ctx context.Context, storageID, id string, ref SubdocRef, at time.Time) error

		// PushAudioNote appends an audio note and bumps updated_at.
		PushAudioNote(ctx context.Context, storageID, id string, note AudioNote, at time.Time) error

		// PullAudioNote removes the audio note selected by ref and bumps updated_at.
		PullAudioNote(ctx context.Context, storageID, id string, ref SubdocRef, at time.Time) error

		// Delete removes a task.
		Delete(ctx context.Context, storageID, id string) error

		// Count returns the number of tasks in a storage partition.
		Count(ctx context.Context, storageID string) (int64, error)

		// Stats groups the tasks of a partition by completion.
		Stats(ctx context.Context, storageID string) (TaskStats, error)

		// MigrateStorage moves every task of oldID to newID and returns how
		// many tasks were moved.
		MigrateStorage(ctx context.Context, oldID, newID string, at time.Time) (int64, error)
	}
)

// NewTask builds a task the way Create stores it: not completed, no
// attachments, both timestamps equal.
func NewTask(storageID, title, description string, now time.Time) *Task {
	return &Task{
		Title:       title,
		Description: description,
		StorageID:   storageID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attachments: []Attachment{},
		AudioNotes:  []AudioNote{},
	}
}

// Normalize replaces nil lists with empty ones so that tasks always render
// `[]` rather than `null`.
func (t *Task) Normalize() *Task {
	if t.Attachments == nil {
		t.Attachments = []Attachment{}
	}
	if t.AudioNotes == nil {
		t.AudioNotes = []AudioNote{}
	}
	return t
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Attachments = append([]Attachment{}, t.Attachments...)
	c.AudioNotes = append([]AudioNote{}, t.AudioNotes...)
	if t.OriginalID != nil {
		v := *t.OriginalID
		c.OriginalID = &v
	}
	if t.BackupReason != nil {
		v := *t.BackupReason
		c.BackupReason = &v
	}
	return &c
}

// Apply writes the non-nil fields of p into t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	t.UpdatedAt = p.UpdatedAt
}

// OnlyCompletion reports whether the patch touches nothing but the
// completion flag.
func (p TaskPatch) OnlyCompletion() bool {
	return p.Completed != nil && p.Title == nil && p.Description == nil
}
