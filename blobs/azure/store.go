package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/sirupsen/logrus"

	"taskflow-server/blobs"
	"taskflow-server/core"
)

// Credentials select how the store authenticates. ConnectionString wins over
// an account name and key pair.
type Credentials struct {
	ConnectionString string
	AccountName      string
	AccountKey       string
}

func (c Credentials) present() bool {
	return c.ConnectionString != "" || (c.AccountName != "" && c.AccountKey != "")
}

type blobStore struct {
	client    *azblob.Client
	container string
}

var clientOptions = azblob.ClientOptions{
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

// NewStore returns an unconfigured store when no credentials are given; the
// caller falls back to local storage in that case.
func NewStore(ctx context.Context, creds Credentials, container string) (*blobStore, error) {
	if !creds.present() {
		return &blobStore{container: container}, nil
	}

	var client *azblob.Client
	var err error
	if creds.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(creds.ConnectionString, &clientOptions)
	} else {
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(creds.AccountName, creds.AccountKey)
		if err == nil {
			serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", creds.AccountName)
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, &clientOptions)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	if _, err := client.CreateContainer(ctx, container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create container %s: %w", container, err)
	}
	return &blobStore{client: client, container: container}, nil
}

func (s *blobStore) Kind() string       { return "azure" }
func (s *blobStore) IsConfigured() bool { return s.client != nil }

func (s *blobStore) blobURL(name string) string {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(name).URL()
}

func (s *blobStore) Store(ctx context.Context, data []byte, uniqueName string) (core.Blob, error) {
	if err := s.check(uniqueName); err != nil {
		return core.Blob{}, err
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, uniqueName, data, nil); err != nil {
		logrus.WithError(err).WithField("blob", uniqueName).Error("Azure Storage upload error")
		return core.Blob{}, fmt.Errorf("%w: %v", core.ErrBlobUploadFailed, err)
	}
	return core.Blob{Locator: s.blobURL(uniqueName), UniqueName: uniqueName, Size: int64(len(data))}, nil
}

func (s *blobStore) RetrieveURL(ctx context.Context, uniqueName string) (string, error) {
	if err := s.check(uniqueName); err != nil {
		return "", err
	}
	blob := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(uniqueName)
	if _, err := blob.GetProperties(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return "", core.ErrNotFound
		}
		return "", err
	}
	return blob.URL(), nil
}

func (s *blobStore) Open(ctx context.Context, uniqueName string) (io.ReadCloser, error) {
	if err := s.check(uniqueName); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, uniqueName, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (s *blobStore) Delete(ctx context.Context, uniqueName string) (bool, error) {
	if err := s.check(uniqueName); err != nil {
		return false, err
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, uniqueName, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var errNotConfigured = errors.New("azure blob storage is not configured")

func (s *blobStore) check(name string) error {
	if s.client == nil {
		return errNotConfigured
	}
	return blobs.CheckName(name)
}
