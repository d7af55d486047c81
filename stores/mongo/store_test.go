package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"taskflow-server/core"
	"taskflow-server/stores/storetest"
)

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) core.TaskStore {
		ctx := context.Background()
		store, err := NewStore(ctx, uri, "taskflow_test_"+ulid.Make().String())
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = store.tasks.Database().Drop(ctx)
			_ = store.Close(ctx)
		})
		return store
	})
}

func TestPullQuery(t *testing.T) {
	byName := pullQuery(core.SubdocRef{Filename: "u1_a.txt"}, "unique_filename")
	assert.Equal(t, bson.M{"unique_filename": "u1_a.txt"}, byName)

	oid := bson.NewObjectID()
	byID := pullQuery(core.SubdocRef{ID: oid.Hex()}, "unique_filename")
	in := byID["_id"].(bson.M)["$in"].([]any)
	require.Len(t, in, 2)
	assert.Equal(t, oid.Hex(), in[0])
	assert.Equal(t, oid, in[1])

	byULID := pullQuery(core.SubdocRef{ID: "01HV8Z6Q7M3J2K1N0P9R8S7T6V"}, "filename")
	assert.Len(t, byULID["_id"].(bson.M)["$in"].([]any), 1)
}

func TestTaskFilterRejectsNonObjectID(t *testing.T) {
	_, ok := taskFilter("abc", "not-an-object-id")
	assert.False(t, ok)

	oid := bson.NewObjectID()
	filter, ok := taskFilter("abc", oid.Hex())
	require.True(t, ok)
	assert.Equal(t, oid, filter["_id"])
	assert.Equal(t, "abc", filter["storage_id"])
}

func TestLegacySubdocumentIDs(t *testing.T) {
	oid := bson.NewObjectID()
	doc := taskDoc{
		ID:        bson.NewObjectID(),
		StorageID: "abc",
		CreatedAt: time.Now(),
		Attachments: []attachmentDoc{
			{ID: oid, UniqueFilename: "u1_a.txt"},
			{UniqueFilename: "u2_b.txt"},
		},
	}

	task := doc.toTask()
	require.Len(t, task.Attachments, 2)
	assert.Equal(t, oid.Hex(), task.Attachments[0].ID)
	assert.Empty(t, task.Attachments[1].ID)
	assert.NotNil(t, task.AudioNotes)
}
