package stores

import (
	"context"

	"github.com/sirupsen/logrus"

	"taskflow-server/blobs/azure"
	"taskflow-server/blobs/local"
	"taskflow-server/blobs/s3"
	"taskflow-server/config"
	"taskflow-server/core"
)

// GetBlobStore builds the blob backend selected by BLOB_STORAGE. A remote
// backend that is not configured, or fails to initialize, falls back to the
// local upload folder.
func GetBlobStore(ctx context.Context, cfg config.Config) (core.BlobStore, error) {
	var remote core.BlobStore
	log := logrus.WithField("blobStorage", cfg.BlobStorage)

	switch cfg.BlobStorage {
	case "s3":
		if cfg.S3BucketName == "" {
			log.Warn("S3_BUCKET_NAME not set, using local storage")
			break
		}
		s, err := s3.NewStore(ctx, cfg.S3BucketName, cfg.S3PresignTTL)
		if err != nil {
			log.WithError(err).Warn("S3 unavailable, using local storage")
			break
		}
		remote = s
	case "azure":
		s, err := azure.NewStore(ctx, azure.Credentials{
			ConnectionString: cfg.AzureStorageConnectionString,
			AccountName:      cfg.AzureStorageAccountName,
			AccountKey:       cfg.AzureStorageAccountKey,
		}, cfg.AzureStorageContainerName)
		if err != nil {
			log.WithError(err).Warn("Azure Storage unavailable, using local storage")
			break
		}
		if !s.IsConfigured() {
			log.Warn("Azure Storage credentials not found, using local storage")
			break
		}
		remote = s
	}

	if remote != nil {
		log.WithField("kind", remote.Kind()).Info("Use blob storage")
		return remote, nil
	}

	s, err := local.NewStore(cfg.UploadFolder)
	if err != nil {
		return nil, err
	}
	logrus.WithField("uploadFolder", cfg.UploadFolder).Info("Use local blob storage")
	return s, nil
}
