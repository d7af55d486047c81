package core

import (
	"context"
	"io"
)

type (
	// Blob describes stored attachment bytes.
	Blob struct {
		// Locator is a local path or a remote URL.
		Locator string
		// UniqueName is the key the bytes are stored under.
		UniqueName string
		Size       int64
	}

	// BlobStore keeps attachment and audio bytes. Implementations are chosen
	// once at startup.
	BlobStore interface {
		// Kind names the backend, e.g. "local" or "s3".
		Kind() string

		// IsConfigured reports whether the backend can accept writes.
		IsConfigured() bool

		// Store writes data under uniqueName, which callers generate with
		// blobs.UniqueName or blobs.AudioName.
		Store(ctx context.Context, data []byte, uniqueName string) (Blob, error)

		// RetrieveURL returns the locator of a stored blob or ErrNotFound.
		RetrieveURL(ctx context.Context, uniqueName string) (string, error)

		// Open streams a stored blob. Callers close the reader.
		Open(ctx context.Context, uniqueName string) (io.ReadCloser, error)

		// Delete removes a blob and reports whether it existed.
		Delete(ctx context.Context, uniqueName string) (bool, error)
	}
)

// Presigner is implemented by blob backends that can hand out short-lived
// download URLs, so downloads are redirected instead of proxied.
type Presigner interface {
	PresignGet(ctx context.Context, uniqueName string) (string, error)
}
