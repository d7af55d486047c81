package s3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow-server/core"
)

// newFakeStore points an S3 client at an httptest server that answers HEAD
// requests: 200 for "present.txt", 404 otherwise.
func newFakeStore(t *testing.T) *s3Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/present.txt") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil
		}),
	})
	return newStore(client, "bucket", time.Minute)
}

func TestRetrieveURL(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()

	locator, err := store.RetrieveURL(ctx, "present.txt")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/present.txt", locator)

	_, err = store.RetrieveURL(ctx, "missing.txt")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPresignGet(t *testing.T) {
	store := newFakeStore(t)

	url, err := store.PresignGet(context.Background(), "present.txt")
	require.NoError(t, err)
	assert.Contains(t, url, "/bucket/present.txt")
	assert.Contains(t, url, "X-Amz-Expires=60")
}

func TestDeleteMissingReportsFalse(t *testing.T) {
	store := newFakeStore(t)

	deleted, err := store.Delete(context.Background(), "missing.txt")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRejectsBadNames(t *testing.T) {
	store := newFakeStore(t)

	_, err := store.Store(context.Background(), []byte("x"), "../x")
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.True(t, store.IsConfigured())
	assert.Equal(t, "s3", store.Kind())
}
