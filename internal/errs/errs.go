// Package errs defines the error taxonomy shared across the gateway core.
// Callers classify failures with errors.Is / errors.As; packages wrap these
// with fmt.Errorf("...: %w", err) to add call-site context.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload.
var (
	// ErrNoContentProvided is returned when an upload carries an empty body.
	ErrNoContentProvided = errors.New("no content provided")

	// ErrLockTimeout is returned when the per-object advisory lock cannot be
	// acquired within its bounded wait.
	ErrLockTimeout = errors.New("object lock wait timed out")

	// ErrDatabaseTimeout is returned when a pooled connection cannot be
	// acquired before the acquisition deadline.
	ErrDatabaseTimeout = errors.New("timed out acquiring database connection")

	// ErrNotFound is returned by backend adapters for missing objects.
	ErrNotFound = errors.New("object not found")

	// ErrNotSupported is returned by backend variants that cannot implement
	// an operation (e.g. signed URLs on the filesystem variant).
	ErrNotSupported = errors.New("operation not supported by storage backend")
)

// PolicyDeniedError indicates the permission probe was rejected by the
// metadata store's row-level policies before any bytes moved.
type PolicyDeniedError struct {
	Bucket string
	Name   string
	Err    error
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied for %s/%s: %v", e.Bucket, e.Name, e.Err)
}

func (e *PolicyDeniedError) Unwrap() error { return e.Err }

// InvalidMimeTypeError indicates a content type that is malformed or not in
// the allowed set.
type InvalidMimeTypeError struct {
	MimeType string
}

func (e *InvalidMimeTypeError) Error() string {
	return fmt.Sprintf("mime type %q is not supported", e.MimeType)
}

// EntityTooLargeError indicates the body or the user metadata exceeded its
// resolved size limit.
type EntityTooLargeError struct {
	Entity string // "body" or "user_metadata"
	Limit  int64
}

func (e *EntityTooLargeError) Error() string {
	return fmt.Sprintf("%s exceeds the maximum allowed size of %d bytes", e.Entity, e.Limit)
}

// DatabaseError wraps driver-level failures, including the case where a
// transaction reports itself closed before the commit truly happened.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// InternalError is the catch-all for failures that do not fit the taxonomy.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsPolicyDenied reports whether err is (or wraps) a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var pd *PolicyDeniedError
	return errors.As(err, &pd)
}

// IsInvalidMimeType reports whether err is (or wraps) an InvalidMimeTypeError.
func IsInvalidMimeType(err error) bool {
	var im *InvalidMimeTypeError
	return errors.As(err, &im)
}

// IsEntityTooLarge reports whether err is (or wraps) an EntityTooLargeError.
func IsEntityTooLarge(err error) bool {
	var et *EntityTooLargeError
	return errors.As(err, &et)
}

// IsLockTimeout reports whether err is the bounded lock wait expiring.
func IsLockTimeout(err error) bool { return errors.Is(err, ErrLockTimeout) }

// IsDatabaseError reports whether err is (or wraps) a DatabaseError.
func IsDatabaseError(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de)
}
