// Package blobs names attachment blobs. The backends live in subpackages.
package blobs

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"taskflow-server/core"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SecureFilename reduces an uploaded filename to a safe basename: ASCII
// letters, digits, '_', '-' and '.', no leading dots or separators.
// It returns "" when nothing usable remains.
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	return name
}

// UniqueName returns the blob key for an uploaded file: a random UUID joined
// to the sanitized original name.
func UniqueName(filename string) string {
	safe := SecureFilename(filename)
	if safe == "" {
		safe = "file"
	}
	return uuid.NewString() + "_" + safe
}

// AudioName returns the blob key for a recorded audio note.
func AudioName() string {
	return "audio_" + uuid.NewString() + ".webm"
}

// CheckName rejects keys that could escape a backend's namespace.
func CheckName(name string) error {
	if name == "" || name == "." || name == ".." || path.Base(name) != name || strings.ContainsAny(name, "/\\") {
		return core.Invalid(fmt.Sprintf("invalid blob name %q", name))
	}
	return nil
}
