// Package apierr defines FlowReader's error taxonomy and the single place
// that maps an error kind to an HTTP status code and response body.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind is one of the stable error categories every handler boundary maps
// through. Handlers never pick status codes themselves; they write a *Error
// (or one recovered from a wrapped error with As) through WriteJSON, which
// maps its Kind to the HTTP status.
type Kind string

const (
	Unauthorized        Kind = "UNAUTHORIZED"
	Forbidden           Kind = "FORBIDDEN"
	NotFound            Kind = "NOT_FOUND"
	ValidationError     Kind = "VALIDATION_ERROR"
	UnprocessableEntity Kind = "UNPROCESSABLE_ENTITY"
	RateLimited         Kind = "RATE_LIMITED"
	NotReady            Kind = "NOT_READY"
	Conflict            Kind = "CONFLICT"
	Upstream            Kind = "UPSTREAM"
	Internal            Kind = "INTERNAL"
)

// statusByKind is the sole source of truth for kind -> HTTP status.
var statusByKind = map[Kind]int{
	Unauthorized:        http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	NotFound:            http.StatusNotFound,
	ValidationError:     http.StatusBadRequest,
	UnprocessableEntity: http.StatusUnprocessableEntity,
	RateLimited:         http.StatusTooManyRequests,
	NotReady:            http.StatusConflict,
	Conflict:            http.StatusConflict,
	Upstream:            http.StatusBadGateway,
	Internal:            http.StatusInternalServerError,
}

// Error is FlowReader's uniform error envelope. Sensitive detail never goes
// into Message or Details; both are safe to return to the client verbatim.
type Error struct {
	K       Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.K) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.K) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.K]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a client-safe error of the given kind.
func New(k Kind, message string) *Error {
	return &Error{K: k, Message: message}
}

// Wrap attaches an internal cause to a client-safe error. The cause is
// logged by the router but never serialized to the client.
func Wrap(k Kind, message string, cause error) *Error {
	return &Error{K: k, Message: message, cause: cause}
}

// WithDetails attaches field-level detail (e.g. validation failures).
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// As extracts an *Error from err, falling back to a generic Internal error
// when err does not carry one — the invariant-violation panic recovery path
// and any unmapped stdlib error both land here.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{K: Internal, Message: "internal error", cause: err}
}

// WriteJSON writes the error as the RFC 7807-shaped JSON body the spec
// requires, setting the status from the kind table.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(e)
}

// ValidationFailure is a single field-level validation complaint, aggregated
// by C3 into a 400 ValidationError.
type ValidationFailure struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Validation builds a ValidationError from one or more field failures.
func Validation(failures ...ValidationFailure) *Error {
	details := make(map[string]any, 1)
	items := make([]map[string]string, 0, len(failures))
	for _, f := range failures {
		items = append(items, map[string]string{"field": f.Field, "reason": f.Reason})
	}
	details["fields"] = items
	return New(ValidationError, "validation failed").WithDetails(details)
}
