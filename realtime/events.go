// Package realtime defines the events fanned out to storage rooms.
package realtime

import (
	"time"

	"taskflow-server/core"
)

// Event names sent to clients.
const (
	EventTaskCreated        = "task_created"
	EventTaskUpdated        = "task_updated"
	EventTaskDeleted        = "task_deleted"
	EventStorageOnlineCount = "storage_online_count"
	EventUserActivityUpdate = "user_activity_update"
	EventJoinedStorage      = "joined_storage"
	EventTest               = "test_event"
)

// UpdateType tells clients what part of a task changed.
type UpdateType string

const (
	UpdateUpdated           UpdateType = "updated"
	UpdateCompleted         UpdateType = "completed"
	UpdateAttachmentAdded   UpdateType = "attachment_added"
	UpdateAttachmentDeleted UpdateType = "attachment_deleted"
	UpdateAudioAdded        UpdateType = "audio_added"
	UpdateAudioDeleted      UpdateType = "audio_deleted"
)

// Activity is a soft collaboration cue.
type Activity string

const (
	ActivityEditing   Activity = "editing"
	ActivityRecording Activity = "recording"
	ActivityIdle      Activity = "idle"
)

// Valid reports whether a is one of the known activities.
func (a Activity) Valid() bool {
	switch a {
	case ActivityEditing, ActivityRecording, ActivityIdle:
		return true
	}
	return false
}

type (
	// Event is routed to the room of StorageID and delivered as Name with
	// Body as its only argument.
	Event struct {
		Name      string
		StorageID string
		Body      any
	}

	TaskCreatedBody struct {
		Task      *core.Task `json:"task"`
		StorageID string     `json:"storage_id"`
	}

	TaskUpdatedBody struct {
		Task       *core.Task       `json:"task"`
		TaskID     string           `json:"task_id"`
		StorageID  string           `json:"storage_id"`
		UpdateType UpdateType       `json:"update_type"`
		FileInfo   *core.Attachment `json:"file_info,omitempty"`
		AudioInfo  *core.AudioNote  `json:"audio_info,omitempty"`
	}

	TaskDeletedBody struct {
		TaskID    string `json:"task_id"`
		StorageID string `json:"storage_id"`
	}

	OnlineCountBody struct {
		StorageID string `json:"storage_id"`
		Count     int    `json:"count"`
	}

	UserActivityBody struct {
		UserID    string   `json:"user_id"`
		Activity  Activity `json:"activity"`
		Timestamp string   `json:"timestamp"`
	}

	JoinedStorageBody struct {
		StorageID string `json:"storage_id"`
	}

	TestBody struct {
		Message   string `json:"message"`
		StorageID string `json:"storage_id"`
		Timestamp string `json:"timestamp"`
	}

	// Publisher delivers events to every connection in the event's room.
	Publisher interface {
		Publish(ev Event) error
	}
)

// RoomName maps a storage id to its room.
func RoomName(storageID string) string {
	return "storage_" + storageID
}

func TaskCreated(task *core.Task) Event {
	return Event{
		Name:      EventTaskCreated,
		StorageID: task.StorageID,
		Body:      TaskCreatedBody{Task: task, StorageID: task.StorageID},
	}
}

// TaskUpdated builds a task_updated event. The task is the committed state
// re-read after the write.
func TaskUpdated(task *core.Task, updateType UpdateType) Event {
	return Event{
		Name:      EventTaskUpdated,
		StorageID: task.StorageID,
		Body: TaskUpdatedBody{
			Task:       task,
			TaskID:     task.ID,
			StorageID:  task.StorageID,
			UpdateType: updateType,
		},
	}
}

func AttachmentAdded(task *core.Task, file core.Attachment) Event {
	ev := TaskUpdated(task, UpdateAttachmentAdded)
	body := ev.Body.(TaskUpdatedBody)
	body.FileInfo = &file
	ev.Body = body
	return ev
}

func AudioAdded(task *core.Task, note core.AudioNote) Event {
	ev := TaskUpdated(task, UpdateAudioAdded)
	body := ev.Body.(TaskUpdatedBody)
	body.AudioInfo = &note
	ev.Body = body
	return ev
}

func TaskDeleted(storageID, taskID string) Event {
	return Event{
		Name:      EventTaskDeleted,
		StorageID: storageID,
		Body:      TaskDeletedBody{TaskID: taskID, StorageID: storageID},
	}
}

func OnlineCount(storageID string, count int) Event {
	return Event{
		Name:      EventStorageOnlineCount,
		StorageID: storageID,
		Body:      OnlineCountBody{StorageID: storageID, Count: count},
	}
}

func UserActivity(storageID, userID string, activity Activity, at time.Time) Event {
	return Event{
		Name:      EventUserActivityUpdate,
		StorageID: storageID,
		Body: UserActivityBody{
			UserID:    userID,
			Activity:  activity,
			Timestamp: at.UTC().Format(time.RFC3339Nano),
		},
	}
}

func Test(storageID string, at time.Time) Event {
	return Event{
		Name:      EventTest,
		StorageID: storageID,
		Body: TestBody{
			Message:   "Test from server",
			StorageID: storageID,
			Timestamp: at.UTC().Format(time.RFC3339Nano),
		},
	}
}
