package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"taskflow-server/core"
)

const collectionName = "tasks"

type (
	taskDoc struct {
		ID           bson.ObjectID   `bson:"_id,omitempty"`
		Title        string          `bson:"title"`
		Description  string          `bson:"description"`
		Completed    bool            `bson:"completed"`
		StorageID    string          `bson:"storage_id"`
		CreatedAt    time.Time       `bson:"created_at"`
		UpdatedAt    time.Time       `bson:"updated_at"`
		Attachments  []attachmentDoc `bson:"attachments"`
		AudioNotes   []audioDoc      `bson:"audio_notes"`
		IsBackup     bool            `bson:"is_backup"`
		OriginalID   *string         `bson:"original_id"`
		BackupReason *string         `bson:"backup_reason"`
	}

	// Subdocument ids are ObjectIDs in older documents and strings in newer
	// ones; some legacy entries have none.
	attachmentDoc struct {
		ID             any       `bson:"_id,omitempty"`
		Filename       string    `bson:"filename"`
		UniqueFilename string    `bson:"unique_filename"`
		FilePath       string    `bson:"file_path"`
		UploadedAt     time.Time `bson:"uploaded_at"`
		FileSize       int64     `bson:"file_size"`
	}

	audioDoc struct {
		ID         any       `bson:"_id,omitempty"`
		Filename   string    `bson:"filename"`
		FilePath   string    `bson:"file_path"`
		RecordedAt time.Time `bson:"recorded_at"`
		Duration   float64   `bson:"duration"`
		FileSize   int64     `bson:"file_size"`
	}
)

type mongoStore struct {
	client *mongo.Client
	tasks  *mongo.Collection
}

// NewStore connects to MongoDB and verifies the connection.
func NewStore(ctx context.Context, uri, database string) (*mongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	tasks := client.Database(database).Collection(collectionName)
	_, err = tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "storage_id", Value: 1}},
	})
	if err != nil {
		logrus.WithError(err).Warn("failed to create storage_id index")
	}
	return &mongoStore{client: client, tasks: tasks}, nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *mongoStore) List(ctx context.Context, storageID string) ([]*core.Task, error) {
	cursor, err := s.tasks.Find(ctx, bson.M{"storage_id": storageID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	tasks := make([]*core.Task, 0)
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		tasks = append(tasks, doc.toTask())
	}
	return tasks, cursor.Err()
}

func (s *mongoStore) Get(ctx context.Context, storageID, id string) (*core.Task, error) {
	filter, ok := taskFilter(storageID, id)
	if !ok {
		return nil, core.ErrNotFound
	}

	var doc taskDoc
	err := s.tasks.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toTask(), nil
}

func (s *mongoStore) Insert(ctx context.Context, task *core.Task) (string, error) {
	doc := fromTask(task)
	doc.ID = bson.NewObjectID()

	if _, err := s.tasks.InsertOne(ctx, doc); err != nil {
		logrus.WithError(err).WithField("storage_id", task.StorageID).Error("Failed to create task")
		return "", err
	}
	id := doc.ID.Hex()
	logrus.WithFields(logrus.Fields{"storage_id": task.StorageID, "task_id": id}).Info("Task created successfully")
	return id, nil
}

func (s *mongoStore) Update(ctx context.Context, storageID, id string, patch core.TaskPatch) error {
	set := bson.M{"updated_at": patch.UpdatedAt}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Completed != nil {
		set["completed"] = *patch.Completed
	}
	return s.updateOne(ctx, storageID, id, bson.M{"$set": set})
}

func (s *mongoStore) PushAttachment(ctx context.Context, storageID, id string, attachment core.Attachment, at time.Time) error {
	return s.updateOne(ctx, storageID, id, bson.M{
		"$push": bson.M{"attachments": fromAttachment(attachment)},
		"$set":  bson.M{"updated_at": at},
	})
}

func (s *mongoStore) PullAttachment(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.updateOne(ctx, storageID, id, bson.M{
		"$pull": bson.M{"attachments": pullQuery(ref, "unique_filename")},
		"$set":  bson.M{"updated_at": at},
	})
}

func (s *mongoStore) PushAudioNote(ctx context.Context, storageID, id string, note core.AudioNote, at time.Time) error {
	return s.updateOne(ctx, storageID, id, bson.M{
		"$push": bson.M{"audio_notes": fromAudioNote(note)},
		"$set":  bson.M{"updated_at": at},
	})
}

func (s *mongoStore) PullAudioNote(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return s.updateOne(ctx, storageID, id, bson.M{
		"$pull": bson.M{"audio_notes": pullQuery(ref, "filename")},
		"$set":  bson.M{"updated_at": at},
	})
}

func (s *mongoStore) Delete(ctx context.Context, storageID, id string) error {
	filter, ok := taskFilter(storageID, id)
	if !ok {
		return core.ErrNotFound
	}
	res, err := s.tasks.DeleteOne(ctx, filter)
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return core.ErrNotFound
	}
	logrus.WithFields(logrus.Fields{"storage_id": storageID, "task_id": id}).Info("Task deleted successfully")
	return nil
}

func (s *mongoStore) Count(ctx context.Context, storageID string) (int64, error) {
	return s.tasks.CountDocuments(ctx, bson.M{"storage_id": storageID})
}

func (s *mongoStore) Stats(ctx context.Context, storageID string) (core.TaskStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "storage_id", Value: storageID}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$completed"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.tasks.Aggregate(ctx, pipeline)
	if err != nil {
		return core.TaskStats{}, err
	}
	defer cursor.Close(ctx)

	var stats core.TaskStats
	for cursor.Next(ctx) {
		var group struct {
			Completed bool  `bson:"_id"`
			Count     int64 `bson:"count"`
		}
		if err := cursor.Decode(&group); err != nil {
			return core.TaskStats{}, err
		}
		if group.Completed {
			stats.Completed = group.Count
		} else {
			stats.Pending = group.Count
		}
	}
	return stats, cursor.Err()
}

func (s *mongoStore) MigrateStorage(ctx context.Context, oldID, newID string, at time.Time) (int64, error) {
	res, err := s.tasks.UpdateMany(ctx,
		bson.M{"storage_id": oldID},
		bson.M{"$set": bson.M{"storage_id": newID, "updated_at": at}})
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"from": oldID, "to": newID, "migrated": res.ModifiedCount}).Info("Storage migrated")
	return res.ModifiedCount, nil
}

func (s *mongoStore) updateOne(ctx context.Context, storageID, id string, update bson.M) error {
	filter, ok := taskFilter(storageID, id)
	if !ok {
		return core.ErrNotFound
	}
	res, err := s.tasks.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return core.ErrNotFound
	}
	return nil
}

// taskFilter returns false when id is not an ObjectID hex string, which can
// never match a stored task.
func taskFilter(storageID, id string) (bson.M, bool) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, false
	}
	return bson.M{"_id": oid, "storage_id": storageID}, true
}

// pullQuery matches an id stored as a string or as an ObjectID, or the
// legacy filename field when the ref carries no id.
func pullQuery(ref core.SubdocRef, filenameField string) bson.M {
	if ref.ID == "" {
		return bson.M{filenameField: ref.Filename}
	}
	ids := []any{ref.ID}
	if oid, err := bson.ObjectIDFromHex(ref.ID); err == nil {
		ids = append(ids, oid)
	}
	return bson.M{"_id": bson.M{"$in": ids}}
}

func subdocID(v any) string {
	switch id := v.(type) {
	case bson.ObjectID:
		return id.Hex()
	case string:
		return id
	}
	return ""
}

func (d taskDoc) toTask() *core.Task {
	task := &core.Task{
		ID:           d.ID.Hex(),
		Title:        d.Title,
		Description:  d.Description,
		Completed:    d.Completed,
		StorageID:    d.StorageID,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		Attachments:  make([]core.Attachment, 0, len(d.Attachments)),
		AudioNotes:   make([]core.AudioNote, 0, len(d.AudioNotes)),
		IsBackup:     d.IsBackup,
		OriginalID:   d.OriginalID,
		BackupReason: d.BackupReason,
	}
	for _, a := range d.Attachments {
		task.Attachments = append(task.Attachments, core.Attachment{
			ID:             subdocID(a.ID),
			Filename:       a.Filename,
			UniqueFilename: a.UniqueFilename,
			Locator:        a.FilePath,
			UploadedAt:     a.UploadedAt,
			Size:           a.FileSize,
		})
	}
	for _, n := range d.AudioNotes {
		task.AudioNotes = append(task.AudioNotes, core.AudioNote{
			ID:         subdocID(n.ID),
			Filename:   n.Filename,
			Locator:    n.FilePath,
			RecordedAt: n.RecordedAt,
			Duration:   n.Duration,
			Size:       n.FileSize,
		})
	}
	return task
}

func fromTask(t *core.Task) taskDoc {
	doc := taskDoc{
		Title:        t.Title,
		Description:  t.Description,
		Completed:    t.Completed,
		StorageID:    t.StorageID,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		Attachments:  make([]attachmentDoc, 0, len(t.Attachments)),
		AudioNotes:   make([]audioDoc, 0, len(t.AudioNotes)),
		IsBackup:     t.IsBackup,
		OriginalID:   t.OriginalID,
		BackupReason: t.BackupReason,
	}
	for _, a := range t.Attachments {
		doc.Attachments = append(doc.Attachments, fromAttachment(a))
	}
	for _, n := range t.AudioNotes {
		doc.AudioNotes = append(doc.AudioNotes, fromAudioNote(n))
	}
	return doc
}

func fromAttachment(a core.Attachment) attachmentDoc {
	doc := attachmentDoc{
		Filename:       a.Filename,
		UniqueFilename: a.UniqueFilename,
		FilePath:       a.Locator,
		UploadedAt:     a.UploadedAt,
		FileSize:       a.Size,
	}
	if a.ID != "" {
		doc.ID = a.ID
	}
	return doc
}

func fromAudioNote(n core.AudioNote) audioDoc {
	doc := audioDoc{
		Filename:   n.Filename,
		FilePath:   n.Locator,
		RecordedAt: n.RecordedAt,
		Duration:   n.Duration,
		FileSize:   n.Size,
	}
	if n.ID != "" {
		doc.ID = n.ID
	}
	return doc
}
