package storage

import (
	"errors"
	"fmt"
	"time"
)

// BackendError provides context for artifact backend operations.
type BackendError struct {
	Backend   string    // "local" or "s3"
	Op        string    // Operation: "write", "read", "list", "delete"
	Location  string    // file path or s3://bucket/key
	Cause     error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Backend, e.Op, e.Location, e.Cause)
	}
	return fmt.Sprintf("%s %s failed for %s", e.Backend, e.Op, e.Location)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewBackendError creates a backend error with timestamp.
func NewBackendError(backend, op, location string, cause error) error {
	return &BackendError{
		Backend:   backend,
		Op:        op,
		Location:  location,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NotFoundError indicates an artifact was not found
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: %s", e.Name)
}

// IsNotFoundError checks if an error is a NotFoundError
func IsNotFoundError(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}
