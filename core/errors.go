package core

import "errors"

var (
	// ErrMissingStorageID is returned when a request carries no storage id.
	ErrMissingStorageID = errors.New("Storage ID is required")

	// ErrNotFound covers missing tasks, subdocuments and blobs, and tasks that
	// belong to another storage id.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrStorageUnavailable means the document database cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBlobUploadFailed means the blob backend rejected a write.
	ErrBlobUploadFailed = errors.New("blob upload failed")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Invalid returns an ErrValidation whose message is shown to the caller as is.
func Invalid(msg string) error {
	return &kindError{kind: ErrValidation, msg: msg}
}

// NotFound returns an ErrNotFound with a caller-facing message.
func NotFound(msg string) error {
	return &kindError{kind: ErrNotFound, msg: msg}
}
