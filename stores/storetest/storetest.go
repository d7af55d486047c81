// Package storetest holds the behavior every core.TaskStore must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow-server/core"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) core.TaskStore

var base = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// Run exercises store against the task store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndList", func(t *testing.T) { testInsertAndList(t, newStore(t)) })
	t.Run("StorageIsolation", func(t *testing.T) { testStorageIsolation(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Attachments", func(t *testing.T) { testAttachments(t, newStore(t)) })
	t.Run("AudioNotes", func(t *testing.T) { testAudioNotes(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("Migrate", func(t *testing.T) { testMigrate(t, newStore(t)) })
	t.Run("BackupLineage", func(t *testing.T) { testBackupLineage(t, newStore(t)) })
}

func insert(t *testing.T, store core.TaskStore, storageID, title string) string {
	t.Helper()
	id, err := store.Insert(context.Background(), core.NewTask(storageID, title, "", base))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func testInsertAndList(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	first := insert(t, store, "abc", "first")
	second := insert(t, store, "abc", "second")

	tasks, err := store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first, tasks[0].ID)
	assert.Equal(t, second, tasks[1].ID)

	got := tasks[0]
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, "abc", got.StorageID)
	assert.False(t, got.Completed)
	assert.NotNil(t, got.Attachments)
	assert.NotNil(t, got.AudioNotes)
	assert.True(t, got.CreatedAt.Equal(base), "created_at %v", got.CreatedAt)
	assert.True(t, got.CreatedAt.Equal(got.UpdatedAt))

	empty, err := store.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testStorageIsolation(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	id := insert(t, store, "abc", "private")
	at := base.Add(time.Minute)

	_, err := store.Get(ctx, "xyz", id)
	assert.ErrorIs(t, err, core.ErrNotFound)

	title := "stolen"
	assert.ErrorIs(t, store.Update(ctx, "xyz", id, core.TaskPatch{Title: &title, UpdatedAt: at}), core.ErrNotFound)
	assert.ErrorIs(t, store.PushAttachment(ctx, "xyz", id, core.Attachment{ID: "a"}, at), core.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "xyz", id), core.ErrNotFound)

	_, err = store.Get(ctx, "abc", "does-not-exist")
	assert.ErrorIs(t, err, core.ErrNotFound)

	task, err := store.Get(ctx, "abc", id)
	require.NoError(t, err)
	assert.Equal(t, "private", task.Title)
	assert.Empty(t, task.Attachments)
}

func testUpdate(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	id := insert(t, store, "abc", "Buy milk")
	at := base.Add(time.Hour)

	done := true
	require.NoError(t, store.Update(ctx, "abc", id, core.TaskPatch{Completed: &done, UpdatedAt: at}))

	task, err := store.Get(ctx, "abc", id)
	require.NoError(t, err)
	assert.True(t, task.Completed)
	assert.Equal(t, "Buy milk", task.Title)
	assert.True(t, task.UpdatedAt.Equal(at))
	assert.True(t, task.CreatedAt.Equal(base))

	title, description := "Buy oat milk", "two cartons"
	require.NoError(t, store.Update(ctx, "abc", id, core.TaskPatch{Title: &title, Description: &description, UpdatedAt: at.Add(time.Minute)}))

	task, err = store.Get(ctx, "abc", id)
	require.NoError(t, err)
	assert.Equal(t, "Buy oat milk", task.Title)
	assert.Equal(t, "two cartons", task.Description)
	assert.True(t, task.Completed)
}

func testAttachments(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	id := insert(t, store, "abc", "with files")
	at := base.Add(time.Minute)

	withID := core.Attachment{ID: "att-1", Filename: "a.txt", UniqueFilename: "u1_a.txt", Locator: "uploads/u1_a.txt", UploadedAt: at, Size: 3}
	legacy := core.Attachment{Filename: "b.txt", UniqueFilename: "u2_b.txt", Locator: "uploads/u2_b.txt", UploadedAt: at, Size: 4}
	require.NoError(t, store.PushAttachment(ctx, "abc", id, withID, at))
	require.NoError(t, store.PushAttachment(ctx, "abc", id, legacy, at))

	task, err := store.Get(ctx, "abc", id)
	require.NoError(t, err)
	require.Len(t, task.Attachments, 2)
	assert.Equal(t, "att-1", task.Attachments[0].ID)
	assert.Equal(t, "u2_b.txt", task.Attachments[1].UniqueFilename)
	assert.Equal(t, int64(4), task.Attachments[1].Size)

	later := at.Add(time.Minute)
	require.NoError(t, store.PullAttachment(ctx, "abc", id, core.SubdocRef{ID: "att-1"}, later))
	task, err = store.Get(ctx, "abc", id)
	require.NoError(t, err)
	require.Len(t, task.Attachments, 1)
	assert.Equal(t, "u2_b.txt", task.Attachments[0].UniqueFilename)
	assert.True(t, task.UpdatedAt.Equal(later))

	require.NoError(t, store.PullAttachment(ctx, "abc", id, core.SubdocRef{Filename: "u2_b.txt"}, later))
	task, err = store.Get(ctx, "abc", id)
	require.NoError(t, err)
	assert.Empty(t, task.Attachments)
}

func testAudioNotes(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	id := insert(t, store, "abc", "with audio")
	at := base.Add(time.Minute)

	note := core.AudioNote{ID: "n1", Filename: "audio_1.webm", Locator: "uploads/audio_1.webm", RecordedAt: at, Duration: 2.5, Size: 10}
	require.NoError(t, store.PushAudioNote(ctx, "abc", id, note, at))

	task, err := store.Get(ctx, "abc", id)
	require.NoError(t, err)
	require.Len(t, task.AudioNotes, 1)
	assert.Equal(t, 2.5, task.AudioNotes[0].Duration)
	assert.Equal(t, "audio_1.webm", task.AudioNotes[0].Filename)

	require.NoError(t, store.PullAudioNote(ctx, "abc", id, core.SubdocRef{Filename: "audio_1.webm"}, at))
	task, err = store.Get(ctx, "abc", id)
	require.NoError(t, err)
	assert.Empty(t, task.AudioNotes)
}

func testDelete(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	keep := insert(t, store, "abc", "keep")
	drop := insert(t, store, "abc", "drop")

	require.NoError(t, store.Delete(ctx, "abc", drop))
	assert.ErrorIs(t, store.Delete(ctx, "abc", drop), core.ErrNotFound)

	tasks, err := store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, keep, tasks[0].ID)
}

func testStats(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	done := true
	for i, title := range []string{"a", "b", "c"} {
		id := insert(t, store, "abc", title)
		if i == 0 {
			require.NoError(t, store.Update(ctx, "abc", id, core.TaskPatch{Completed: &done, UpdatedAt: base}))
		}
	}
	insert(t, store, "other", "d")

	stats, err := store.Stats(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStats{Completed: 1, Pending: 2}, stats)

	count, err := store.Count(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	stats, err = store.Stats(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStats{}, stats)
}

func testMigrate(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	insert(t, store, "old", "one")
	insert(t, store, "old", "two")
	insert(t, store, "new", "three")

	moved, err := store.MigrateStorage(ctx, "old", "new", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	tasks, err := store.List(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, "new", task.StorageID)
	}

	count, err := store.Count(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, count)

	moved, err = store.MigrateStorage(ctx, "old", "new", base)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func testBackupLineage(t *testing.T, store core.TaskStore) {
	ctx := context.Background()
	original, reason := "orig-1", "before import"
	task := core.NewTask("abc", "copy", "", base)
	task.IsBackup = true
	task.OriginalID = &original
	task.BackupReason = &reason

	id, err := store.Insert(ctx, task)
	require.NoError(t, err)

	got, err := store.Get(ctx, "abc", id)
	require.NoError(t, err)
	assert.True(t, got.IsBackup)
	require.NotNil(t, got.OriginalID)
	assert.Equal(t, "orig-1", *got.OriginalID)
	require.NotNil(t, got.BackupReason)
	assert.Equal(t, "before import", *got.BackupReason)
}
