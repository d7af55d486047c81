package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"taskflow-server/core"
)

// Tasks are kept as JSON documents. storage_id and completed are mirrored
// into columns so partition scans and stats stay in SQL.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	storage_id TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_storage ON tasks (storage_id, seq);`

type sqliteStore struct {
	db *sql.DB
}

// NewStore opens (and creates if needed) the SQLite database at dataSourceName.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tasks table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context, storageID string) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM tasks WHERE storage_id = ? ORDER BY seq", storageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]*core.Task, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		task, err := decode(doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, storageID, id string) (*core.Task, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM tasks WHERE id = ? AND storage_id = ?", id, storageID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		logrus.WithError(err).WithField("task_id", id).Error("Failed to retrieve task")
		return nil, err
	}
	return decode(doc)
}

func (s *sqliteStore) Insert(ctx context.Context, task *core.Task) (string, error) {
	stored := task.Clone().Normalize()
	stored.ID = ulid.Make().String()
	doc, err := sonic.MarshalString(stored)
	if err != nil {
		return "", err
	}

	log := logrus.WithFields(logrus.Fields{
		"storage_id": stored.StorageID,
		"task_id":    stored.ID,
	})
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tasks (id, storage_id, completed, doc) VALUES (?, ?, ?, ?)",
		stored.ID, stored.StorageID, stored.Completed, doc)
	if err != nil {
		log.WithError(err).Error("Failed to create task")
		return "", err
	}
	log.Info("Task created successfully")
	return stored.ID, nil
}

func (s *sqliteStore) Update(ctx context.Context, storageID, id string, patch core.TaskPatch) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		patch.Apply(task)
	})
}

func (s *sqliteStore) PushAttachment(ctx context.Context, storageID, id string, attachment core.Attachment, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.Attachments = append(task.Attachments, attachment)
		task.UpdatedAt = at
	})
}

func (s *sqliteStore) PullAttachment(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.Attachments, _ = core.RemoveAttachments(task.Attachments, ref)
		task.UpdatedAt = at
	})
}

func (s *sqliteStore) PushAudioNote(ctx context.Context, storageID, id string, note core.AudioNote, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.AudioNotes = append(task.AudioNotes, note)
		task.UpdatedAt = at
	})
}

func (s *sqliteStore) PullAudioNote(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.AudioNotes, _ = core.RemoveAudioNotes(task.AudioNotes, ref)
		task.UpdatedAt = at
	})
}

func (s *sqliteStore) Delete(ctx context.Context, storageID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ? AND storage_id = ?", id, storageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	logrus.WithFields(logrus.Fields{"storage_id": storageID, "task_id": id}).Info("Task deleted successfully")
	return nil
}

func (s *sqliteStore) Count(ctx context.Context, storageID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks WHERE storage_id = ?", storageID).Scan(&n)
	return n, err
}

func (s *sqliteStore) Stats(ctx context.Context, storageID string) (core.TaskStats, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT completed, COUNT(*) FROM tasks WHERE storage_id = ? GROUP BY completed", storageID)
	if err != nil {
		return core.TaskStats{}, err
	}
	defer rows.Close()

	var stats core.TaskStats
	for rows.Next() {
		var completed bool
		var n int64
		if err := rows.Scan(&completed, &n); err != nil {
			return core.TaskStats{}, err
		}
		if completed {
			stats.Completed = n
		} else {
			stats.Pending = n
		}
	}
	return stats, rows.Err()
}

func (s *sqliteStore) MigrateStorage(ctx context.Context, oldID, newID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET storage_id = ?, doc = json_set(doc, '$.storage_id', ?, '$.updated_at', ?)
		WHERE storage_id = ?`,
		newID, newID, at.Format(time.RFC3339Nano), oldID)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"from": oldID, "to": newID, "migrated": moved}).Info("Storage migrated")
	return moved, nil
}

// mutate loads a task, applies fn and writes it back in one transaction.
func (s *sqliteStore) mutate(ctx context.Context, storageID, id string, fn func(*core.Task)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, "SELECT doc FROM tasks WHERE id = ? AND storage_id = ?", id, storageID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}

	task, err := decode(doc)
	if err != nil {
		return err
	}
	fn(task)

	updated, err := sonic.MarshalString(task)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET completed = ?, doc = ? WHERE id = ?", task.Completed, updated, id); err != nil {
		return err
	}
	return tx.Commit()
}

func decode(doc string) (*core.Task, error) {
	var task core.Task
	if err := sonic.UnmarshalString(doc, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return task.Normalize(), nil
}
