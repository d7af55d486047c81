package aztables

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"taskflow-server/core"
)

// maxConflictRetries bounds optimistic read-modify-write attempts.
const maxConflictRetries = 3

// taskEntity is one table row. PartitionKey is the storage id and RowKey the
// task id; ULID row keys keep partitions in insertion order. Subdocument
// lists are stored as JSON strings.
type taskEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Title        string `json:"Title"`
	Description  string `json:"Description"`
	Completed    bool   `json:"Completed"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
	Attachments  string `json:"Attachments"`
	AudioNotes   string `json:"AudioNotes"`
	IsBackup     bool   `json:"IsBackup"`
	OriginalID   string `json:"OriginalID,omitempty"`
	BackupReason string `json:"BackupReason,omitempty"`
}

type tableStore struct {
	table *aztables.Client
}

// NewStore connects to the table and creates it if missing.
func NewStore(ctx context.Context, connStr, tableName string) (*tableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	table := svc.NewClient(tableName)
	if _, err := table.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return nil, fmt.Errorf("failed to create table %s: %w", tableName, err)
		}
	}
	return &tableStore{table: table}, nil
}

func (s *tableStore) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	if _, err := pager.NextPage(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *tableStore) List(ctx context.Context, storageID string) ([]*core.Task, error) {
	entities, err := s.query(ctx, storageID, nil)
	if err != nil {
		return nil, err
	}
	tasks := make([]*core.Task, 0, len(entities))
	for _, ent := range entities {
		task, err := ent.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *tableStore) Get(ctx context.Context, storageID, id string) (*core.Task, error) {
	ent, _, err := s.get(ctx, storageID, id)
	if err != nil {
		return nil, err
	}
	return ent.toTask()
}

func (s *tableStore) Insert(ctx context.Context, task *core.Task) (string, error) {
	stored := task.Clone().Normalize()
	stored.ID = ulid.Make().String()

	ent, err := fromTask(stored)
	if err != nil {
		return "", err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return "", err
	}
	log := logrus.WithFields(logrus.Fields{"storage_id": stored.StorageID, "task_id": stored.ID})
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		log.WithError(err).Error("Failed to create task")
		return "", err
	}
	log.Info("Task created successfully")
	return stored.ID, nil
}

func (s *tableStore) Update(ctx context.Context, storageID, id string, patch core.TaskPatch) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		patch.Apply(task)
	})
}

func (s *tableStore) PushAttachment(ctx context.Context, storageID, id string, attachment core.Attachment, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.Attachments = append(task.Attachments, attachment)
		task.UpdatedAt = at
	})
}

func (s *tableStore) PullAttachment(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.Attachments, _ = core.RemoveAttachments(task.Attachments, ref)
		task.UpdatedAt = at
	})
}

func (s *tableStore) PushAudioNote(ctx context.Context, storageID, id string, note core.AudioNote, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.AudioNotes = append(task.AudioNotes, note)
		task.UpdatedAt = at
	})
}

func (s *tableStore) PullAudioNote(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.mutate(ctx, storageID, id, func(task *core.Task) {
		task.AudioNotes, _ = core.RemoveAudioNotes(task.AudioNotes, ref)
		task.UpdatedAt = at
	})
}

func (s *tableStore) Delete(ctx context.Context, storageID, id string) error {
	if _, err := s.table.DeleteEntity(ctx, storageID, id, nil); err != nil {
		if isNotFound(err) {
			return core.ErrNotFound
		}
		return err
	}
	logrus.WithFields(logrus.Fields{"storage_id": storageID, "task_id": id}).Info("Task deleted successfully")
	return nil
}

func (s *tableStore) Count(ctx context.Context, storageID string) (int64, error) {
	stats, err := s.Stats(ctx, storageID)
	if err != nil {
		return 0, err
	}
	return stats.Completed + stats.Pending, nil
}

func (s *tableStore) Stats(ctx context.Context, storageID string) (core.TaskStats, error) {
	entities, err := s.query(ctx, storageID, []string{"PartitionKey", "RowKey", "Completed"})
	if err != nil {
		return core.TaskStats{}, err
	}
	var stats core.TaskStats
	for _, ent := range entities {
		if ent.Completed {
			stats.Completed++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

// MigrateStorage re-keys every entity of oldID. The partition key is part of
// the row identity, so each task is copied to the new partition and then
// removed from the old one.
func (s *tableStore) MigrateStorage(ctx context.Context, oldID, newID string, at time.Time) (int64, error) {
	entities, err := s.query(ctx, oldID, nil)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, ent := range entities {
		ent.PartitionKey = newID
		ent.UpdatedAt = at.UTC().Format(time.RFC3339Nano)
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return moved, err
		}
		if _, err := s.table.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
			return moved, fmt.Errorf("failed to copy task %s: %w", ent.RowKey, err)
		}
		if _, err := s.table.DeleteEntity(ctx, oldID, ent.RowKey, nil); err != nil && !isNotFound(err) {
			return moved, fmt.Errorf("failed to remove task %s from %s: %w", ent.RowKey, oldID, err)
		}
		moved++
	}
	logrus.WithFields(logrus.Fields{"from": oldID, "to": newID, "migrated": moved}).Info("Storage migrated")
	return moved, nil
}

func (s *tableStore) get(ctx context.Context, storageID, id string) (*taskEntity, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, storageID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, "", core.ErrNotFound
		}
		return nil, "", err
	}
	var ent taskEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, "", err
	}
	return &ent, resp.ETag, nil
}

// mutate applies fn under an ETag precondition and retries when another
// writer got there first.
func (s *tableStore) mutate(ctx context.Context, storageID, id string, fn func(*core.Task)) error {
	for attempt := 0; ; attempt++ {
		ent, etag, err := s.get(ctx, storageID, id)
		if err != nil {
			return err
		}
		task, err := ent.toTask()
		if err != nil {
			return err
		}
		fn(task)

		updated, err := fromTask(task)
		if err != nil {
			return err
		}
		payload, err := sonic.Marshal(updated)
		if err != nil {
			return err
		}
		_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
			IfMatch:    &etag,
			UpdateMode: aztables.UpdateModeReplace,
		})
		if err == nil {
			return nil
		}
		if isNotFound(err) {
			return core.ErrNotFound
		}
		if !isConflict(err) || attempt+1 >= maxConflictRetries {
			return err
		}
		logrus.WithFields(logrus.Fields{"storage_id": storageID, "task_id": id}).Debug("Retrying task update after conflict")
	}
}

func (s *tableStore) query(ctx context.Context, storageID string, fields []string) ([]taskEntity, error) {
	filter := "PartitionKey eq '" + escapeFilter(storageID) + "'"
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if len(fields) > 0 {
		sel := strings.Join(fields, ",")
		opts.Select = &sel
	}

	pager := s.table.NewListEntitiesPager(opts)
	var entities []taskEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			entities = append(entities, ent)
		}
	}
	return entities, nil
}

// escapeFilter doubles single quotes for OData string literals.
func escapeFilter(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusPreconditionFailed
}

func (e *taskEntity) toTask() (*core.Task, error) {
	task := &core.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		Completed:   e.Completed,
		StorageID:   e.PartitionKey,
		IsBackup:    e.IsBackup,
	}
	var err error
	if task.CreatedAt, err = parseTime(e.CreatedAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(e.UpdatedAt); err != nil {
		return nil, err
	}
	if e.Attachments != "" {
		if err := sonic.UnmarshalString(e.Attachments, &task.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of %s: %w", e.RowKey, err)
		}
	}
	if e.AudioNotes != "" {
		if err := sonic.UnmarshalString(e.AudioNotes, &task.AudioNotes); err != nil {
			return nil, fmt.Errorf("failed to decode audio notes of %s: %w", e.RowKey, err)
		}
	}
	if e.OriginalID != "" {
		v := e.OriginalID
		task.OriginalID = &v
	}
	if e.BackupReason != "" {
		v := e.BackupReason
		task.BackupReason = &v
	}
	return task.Normalize(), nil
}

func fromTask(t *core.Task) (taskEntity, error) {
	t.Normalize()
	attachments, err := sonic.MarshalString(t.Attachments)
	if err != nil {
		return taskEntity{}, err
	}
	audioNotes, err := sonic.MarshalString(t.AudioNotes)
	if err != nil {
		return taskEntity{}, err
	}
	ent := taskEntity{
		PartitionKey: t.StorageID,
		RowKey:       t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Completed:    t.Completed,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Attachments:  attachments,
		AudioNotes:   audioNotes,
		IsBackup:     t.IsBackup,
	}
	if t.OriginalID != nil {
		ent.OriginalID = *t.OriginalID
	}
	if t.BackupReason != nil {
		ent.BackupReason = *t.BackupReason
	}
	return ent, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
