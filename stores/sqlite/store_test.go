package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskflow-server/core"
	"taskflow-server/stores/storetest"
)

func setupTestDB(t *testing.T) *sqliteStore {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.TaskStore {
		return setupTestDB(t)
	})
}

func TestNewStoreCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("NewStore() did not create database file")
	}

	var tableName string
	err = store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='tasks'").Scan(&tableName)
	if err != nil {
		t.Fatalf("tasks table not created: %v", err)
	}
}

func TestMigrateRewritesDocument(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	id, err := store.Insert(ctx, core.NewTask("old", "move me", "", created))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	at := created.Add(time.Hour)
	if _, err := store.MigrateStorage(ctx, "old", "new", at); err != nil {
		t.Fatalf("MigrateStorage failed: %v", err)
	}

	task, err := store.Get(ctx, "new", id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if task.StorageID != "new" {
		t.Errorf("Expected storage_id %q in document, got %q", "new", task.StorageID)
	}
	if !task.UpdatedAt.Equal(at) {
		t.Errorf("Expected updated_at %v, got %v", at, task.UpdatedAt)
	}
}
