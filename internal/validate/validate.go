// Package validate implements C3: field-level validation and sanitization
// applied before a handler's body executes.
package validate

import (
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
)

const (
	MaxSelectionTextLen = 1000
	MaxNoteContentLen   = 4000
	MaxFileNameLen      = 255
)

var sanitizer = bluemonday.StrictPolicy()

// UUID reports whether s is a strict RFC-4122 UUID.
func UUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Sanitize strips script tags and event-handler attributes from text bound
// for storage or display, preserving plain text otherwise.
func Sanitize(s string) string {
	return sanitizer.Sanitize(s)
}

// FileName rejects path traversal and control characters and requires a
// .epub extension.
func FileName(name string) *apierr.Error {
	if name == "" || len(name) > MaxFileNameLen {
		return apierr.Validation(apierr.ValidationFailure{Field: "fileName", Reason: "length out of bounds"})
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return apierr.Validation(apierr.ValidationFailure{Field: "fileName", Reason: "unsafe path segment"})
	}
	for _, r := range name {
		if r < 0x20 {
			return apierr.Validation(apierr.ValidationFailure{Field: "fileName", Reason: "contains control characters"})
		}
	}
	if !strings.HasSuffix(strings.ToLower(name), ".epub") {
		return apierr.Validation(apierr.ValidationFailure{Field: "fileName", Reason: "must have .epub extension"})
	}
	return nil
}

// FileSize rejects uploads over the configured maximum.
func FileSize(size, max int64) *apierr.Error {
	if size <= 0 || size > max {
		return apierr.Validation(apierr.ValidationFailure{Field: "fileSize", Reason: "out of bounds"})
	}
	return nil
}

// SelectionText enforces the spec's boundary: <=1000 accepted, >1000 rejected.
func SelectionText(s string) *apierr.Error {
	if len(s) > MaxSelectionTextLen {
		return apierr.Validation(apierr.ValidationFailure{Field: "selection.text", Reason: "exceeds maximum length"})
	}
	return nil
}

// NoteContent enforces the note content length bound.
func NoteContent(s string) *apierr.Error {
	if len(s) == 0 || len(s) > MaxNoteContentLen {
		return apierr.Validation(apierr.ValidationFailure{Field: "content", Reason: "out of bounds"})
	}
	return nil
}

// Intent validates the enum, empty string is allowed (means "unspecified").
func Intent(s string) *apierr.Error {
	if s == "" {
		return nil
	}
	if !model.Intent(s).Valid() {
		return apierr.Validation(apierr.ValidationFailure{Field: "intent", Reason: "not a recognized intent"})
	}
	return nil
}

// ContextScope validates the enum, empty string is allowed.
func ContextScope(s string) *apierr.Error {
	if s == "" {
		return nil
	}
	if !model.ContextScope(s).Valid() {
		return apierr.Validation(apierr.ValidationFailure{Field: "contextScope", Reason: "not a recognized scope"})
	}
	return nil
}

// Pagination enforces limit in [1,100] and offset >= 0.
func Pagination(limit, offset int) *apierr.Error {
	if limit < 1 || limit > 100 {
		return apierr.Validation(apierr.ValidationFailure{Field: "limit", Reason: "must be between 1 and 100"})
	}
	if offset < 0 {
		return apierr.Validation(apierr.ValidationFailure{Field: "offset", Reason: "must be non-negative"})
	}
	return nil
}
