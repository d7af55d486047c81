package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"taskflow-server/blobs"
	"taskflow-server/core"
)

type s3Store struct {
	s3Client  *s3.Client
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
}

// NewStore creates an S3-backed blob store. Credentials and region come from
// the default AWS configuration chain.
func NewStore(ctx context.Context, bucketName string, presignTTL time.Duration) (*s3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName, presignTTL), nil
}

func newStore(client *s3.Client, bucketName string, presignTTL time.Duration) *s3Store {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &s3Store{
		s3Client:  client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucketName,
		ttl:       presignTTL,
	}
}

func (s *s3Store) Kind() string       { return "s3" }
func (s *s3Store) IsConfigured() bool { return s.bucket != "" }

func (s *s3Store) locator(name string) string {
	return "s3://" + s.bucket + "/" + name
}

func (s *s3Store) Store(ctx context.Context, data []byte, uniqueName string) (core.Blob, error) {
	if err := blobs.CheckName(uniqueName); err != nil {
		return core.Blob{}, err
	}
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(uniqueName),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		logrus.WithError(err).WithField("blob", uniqueName).Error("Failed to upload blob")
		return core.Blob{}, fmt.Errorf("%w: %v", core.ErrBlobUploadFailed, err)
	}
	return core.Blob{Locator: s.locator(uniqueName), UniqueName: uniqueName, Size: int64(len(data))}, nil
}

func (s *s3Store) RetrieveURL(ctx context.Context, uniqueName string) (string, error) {
	if err := s.head(ctx, uniqueName); err != nil {
		return "", err
	}
	return s.locator(uniqueName), nil
}

// PresignGet returns a time-limited GET URL for a stored blob.
func (s *s3Store) PresignGet(ctx context.Context, uniqueName string) (string, error) {
	if err := s.head(ctx, uniqueName); err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(uniqueName),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", uniqueName, err)
	}
	return req.URL, nil
}

func (s *s3Store) Open(ctx context.Context, uniqueName string) (io.ReadCloser, error) {
	if err := blobs.CheckName(uniqueName); err != nil {
		return nil, err
	}
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(uniqueName),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", uniqueName, err)
	}
	return resp.Body, nil
}

// Delete reports false when the object did not exist. S3 deletes are
// idempotent, so existence is checked first.
func (s *s3Store) Delete(ctx context.Context, uniqueName string) (bool, error) {
	if err := s.head(ctx, uniqueName); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(uniqueName),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete blob %s: %w", uniqueName, err)
	}
	return true, nil
}

func (s *s3Store) head(ctx context.Context, uniqueName string) error {
	if err := blobs.CheckName(uniqueName); err != nil {
		return err
	}
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(uniqueName),
	})
	if err != nil {
		if isNotFound(err) {
			return core.ErrNotFound
		}
		return fmt.Errorf("failed to stat blob %s: %w", uniqueName, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
