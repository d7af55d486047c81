package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"taskflow-server/core"
)

// memStore keeps tasks in process memory. Tasks are held in insertion order.
type memStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
	order []string
}

// NewStore creates a new in-memory task store.
func NewStore() *memStore {
	return &memStore{tasks: make(map[string]*core.Task)}
}

func (s *memStore) Ping(ctx context.Context) error {
	return nil
}

func (s *memStore) List(ctx context.Context, storageID string) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*core.Task, 0)
	for _, id := range s.order {
		if task := s.tasks[id]; task.StorageID == storageID {
			tasks = append(tasks, task.Clone())
		}
	}
	logrus.WithField("storage_id", storageID).Debugf("Listed %d tasks", len(tasks))
	return tasks, nil
}

func (s *memStore) Get(ctx context.Context, storageID, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, err := s.lookup(storageID, id)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

func (s *memStore) Insert(ctx context.Context, task *core.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := task.Clone().Normalize()
	stored.ID = ulid.Make().String()
	s.tasks[stored.ID] = stored
	s.order = append(s.order, stored.ID)

	logrus.WithFields(logrus.Fields{
		"storage_id": stored.StorageID,
		"task_id":    stored.ID,
	}).Info("Task created successfully")
	return stored.ID, nil
}

func (s *memStore) Update(ctx context.Context, storageID, id string, patch core.TaskPatch) error {
	return s.mutate(storageID, id, func(task *core.Task) {
		patch.Apply(task)
	})
}

func (s *memStore) PushAttachment(ctx context.Context, storageID, id string, attachment core.Attachment, at time.Time) error {
	return s.mutate(storageID, id, func(task *core.Task) {
		task.Attachments = append(task.Attachments, attachment)
		task.UpdatedAt = at
	})
}

func (s *memStore) PullAttachment(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.mutate(storageID, id, func(task *core.Task) {
		task.Attachments, _ = core.RemoveAttachments(task.Attachments, ref)
		task.UpdatedAt = at
	})
}

func (s *memStore) PushAudioNote(ctx context.Context, storageID, id string, note core.AudioNote, at time.Time) error {
	return s.mutate(storageID, id, func(task *core.Task) {
		task.AudioNotes = append(task.AudioNotes, note)
		task.UpdatedAt = at
	})
}

func (s *memStore) PullAudioNote(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.mutate(storageID, id, func(task *core.Task) {
		task.AudioNotes, _ = core.RemoveAudioNotes(task.AudioNotes, ref)
		task.UpdatedAt = at
	})
}

func (s *memStore) Delete(ctx context.Context, storageID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(storageID, id); err != nil {
		return err
	}
	delete(s.tasks, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	logrus.WithFields(logrus.Fields{"storage_id": storageID, "task_id": id}).Info("Task deleted successfully")
	return nil
}

func (s *memStore) Count(ctx context.Context, storageID string) (int64, error) {
	stats, err := s.Stats(ctx, storageID)
	if err != nil {
		return 0, err
	}
	return stats.Completed + stats.Pending, nil
}

func (s *memStore) Stats(ctx context.Context, storageID string) (core.TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats core.TaskStats
	for _, task := range s.tasks {
		if task.StorageID != storageID {
			continue
		}
		if task.Completed {
			stats.Completed++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

func (s *memStore) MigrateStorage(ctx context.Context, oldID, newID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moved int64
	for _, task := range s.tasks {
		if task.StorageID == oldID {
			task.StorageID = newID
			task.UpdatedAt = at
			moved++
		}
	}
	logrus.WithFields(logrus.Fields{"from": oldID, "to": newID, "migrated": moved}).Info("Storage migrated")
	return moved, nil
}

func (s *memStore) mutate(storageID, id string, fn func(*core.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.lookup(storageID, id)
	if err != nil {
		return err
	}
	fn(task)
	return nil
}

// lookup must be called with the lock held.
func (s *memStore) lookup(storageID, id string) (*core.Task, error) {
	task, ok := s.tasks[id]
	if !ok || task.StorageID != storageID {
		logrus.WithFields(logrus.Fields{"storage_id": storageID, "task_id": id}).Debug("Task not found")
		return nil, core.ErrNotFound
	}
	return task, nil
}
