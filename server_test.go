package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow-server/blobs/local"
	"taskflow-server/config"
	"taskflow-server/core"
	"taskflow-server/presence"
	"taskflow-server/realtime"
	"taskflow-server/service"
	"taskflow-server/stores/memory"
	"taskflow-server/stores/sqlite"
)

type downStore struct {
	core.TaskStore
}

func (downStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newRouter(t *testing.T, store core.TaskStore) http.Handler {
	t.Helper()
	blobStore, err := local.NewStore(t.TempDir())
	require.NoError(t, err)
	svc := service.New(store, blobStore, &realtime.Recorder{}, presence.NewTracker(nil))
	return setupRouter(config.Config{MaxUploadBytes: 1 << 20}, store, blobStore, svc)
}

func TestHealth(t *testing.T) {
	r := newRouter(t, memory.NewStore())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	r = newRouter(t, downStore{TaskStore: memory.NewStore()})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStoreRoutesRejectedWhileStoreDown(t *testing.T) {
	r := newRouter(t, downStore{TaskStore: memory.NewStore()})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?storage_id=abc", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"Database connection not available"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/storage/online-count?storage_id=abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutesAreMounted(t *testing.T) {
	r := newRouter(t, memory.NewStore())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?storage_id=abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/stats?storage_id=abc", nil))
	assert.JSONEq(t, `{"completed":0,"pending":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/storage/info", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/nothing.txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The answer depends on the host's resolver; only the route is checked.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/server/info", nil))
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
	assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(t, memory.NewStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsOrigins(t *testing.T) {
	assert.Equal(t, defaultOrigins, corsOrigins(nil))
	assert.Contains(t, corsOrigins([]string{"https://tasks.example.com"}), "https://tasks.example.com")
	assert.Equal(t, []string{"https://*", "http://*"}, corsOrigins([]string{"https://a.example.com", "*"}))
}

func TestMigrateStorageCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tasks.db")
	store, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	now := time.Now().UTC()
	for _, title := range []string{"one", "two"} {
		_, err := store.Insert(context.Background(), core.NewTask("old-device", title, "", now))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("DATA_SOURCE_NAME", dsn)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate-storage", "--from", "old-device", "--to", "new-device"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "Successfully migrated 2 tasks to new storage ID\n", out.String())

	store, err = sqlite.NewStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	count, err := store.Count(context.Background(), "new-device")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestMigrateStorageCommandRejectsSameIDs(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "memory")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate-storage", "--from", "same", "--to", "same"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, "Old and new storage IDs must be different", err.Error())
}
