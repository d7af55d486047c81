package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"taskflow-server/blobs"
	"taskflow-server/core"
)

type fsStore struct {
	basePath string
}

// NewStore creates a blob store rooted at basePath, creating the directory
// if needed.
func NewStore(basePath string) (*fsStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &fsStore{basePath: basePath}, nil
}

func (s *fsStore) Kind() string       { return "local" }
func (s *fsStore) IsConfigured() bool { return true }

func (s *fsStore) path(name string) (string, error) {
	if err := blobs.CheckName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fsStore) Store(ctx context.Context, data []byte, uniqueName string) (core.Blob, error) {
	filePath, err := s.path(uniqueName)
	if err != nil {
		return core.Blob{}, err
	}
	log := logrus.WithFields(logrus.Fields{
		"blob":      uniqueName,
		"file_path": filePath,
	})

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		log.WithError(err).Error("Failed to write blob")
		return core.Blob{}, fmt.Errorf("%w: %v", core.ErrBlobUploadFailed, err)
	}
	log.WithField("size", len(data)).Debug("Blob stored")
	return core.Blob{Locator: filePath, UniqueName: uniqueName, Size: int64(len(data))}, nil
}

func (s *fsStore) RetrieveURL(ctx context.Context, uniqueName string) (string, error) {
	filePath, err := s.path(uniqueName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", core.ErrNotFound
		}
		return "", err
	}
	return filePath, nil
}

func (s *fsStore) Open(ctx context.Context, uniqueName string) (io.ReadCloser, error) {
	filePath, err := s.path(uniqueName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *fsStore) Delete(ctx context.Context, uniqueName string) (bool, error) {
	filePath, err := s.path(uniqueName)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	logrus.WithField("blob", uniqueName).Debug("Blob deleted")
	return true, nil
}
