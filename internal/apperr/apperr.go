// Package apperr defines the small error taxonomy shared across the RAG
// core: each failure is tagged with a Kind so callers at the HTTP boundary
// can translate it into the right status code or user-visible behavior
// without string-matching error messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch at the orchestrator/HTTP boundary.
type Kind string

const (
	// KindInvalidInput marks a request rejected at the boundary: nothing
	// persisted.
	KindInvalidInput Kind = "invalid_input"
	// KindBackendUnavailable marks a collaborator (LLM, vector store,
	// embedding service, cache, message log) that could not be reached.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindDimensionMismatch marks an embedding backend that returned a
	// vector of the wrong length. Fatal; never substitute a zero vector.
	KindDimensionMismatch Kind = "dimension_mismatch"
	// KindTimeout marks a first-chunk LLM timeout.
	KindTimeout Kind = "timeout"
	// KindDuplicate marks an ingestion rejected as duplicate content or
	// file. Not an error condition for the caller; carried as a Kind so
	// admin surfaces can still report it structurally.
	KindDuplicate Kind = "duplicate"
	// KindInvalidConfig marks a rejected configuration update.
	KindInvalidConfig Kind = "invalid_config"
)

// Error wraps an underlying cause with a dispatchable Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op with the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
