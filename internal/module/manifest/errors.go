package manifest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a directory has no manifest file.
	ErrNotFound = errors.New("manifest: no manifest file")

	// ErrMalformedManifest is returned when a manifest file cannot be decoded.
	ErrMalformedManifest = errors.New("manifest: malformed")

	// ErrUnsigned is returned by Verify when there is no signature to check.
	ErrUnsigned = errors.New("manifest: not signed")

	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("manifest: signature verification failed")
)

// Issue is a single validation problem.
type Issue struct {
	Path    string // JSON pointer into the manifest, empty for document-level issues
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError describes why a manifest was rejected.
type ValidationError struct {
	ID     string
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	if e.ID == "" {
		return fmt.Sprintf("manifest invalid: %s", strings.Join(parts, "; "))
	}
	return fmt.Sprintf("manifest %s invalid: %s", e.ID, strings.Join(parts, "; "))
}
