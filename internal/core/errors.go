package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// Domain-Specific Error Types
// =============================================================================

// ErrInvalidVector indicates a vector that cannot be stored or queried:
// zero norm, non-finite components, or a dimension that does not match the index.
type ErrInvalidVector struct {
	Reason   string
	Expected int
	Actual   int
}

func (e *ErrInvalidVector) Error() string {
	if e.Expected > 0 {
		return fmt.Sprintf("invalid vector: %s (expected dimension %d, got %d)", e.Reason, e.Expected, e.Actual)
	}
	return fmt.Sprintf("invalid vector: %s", e.Reason)
}

// ErrDataCorruption indicates persisted rows that cannot be turned back into a tree.
// Row is the offending row position, or -1 when the problem is not tied to one row.
type ErrDataCorruption struct {
	Row    int
	Reason string
}

func (e *ErrDataCorruption) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("data corruption at row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("data corruption: %s", e.Reason)
}

// ErrDataUnavailable wraps an opaque upstream failure, such as the embedding provider.
type ErrDataUnavailable struct {
	Operation string
	Cause     error
}

func (e *ErrDataUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("data unavailable for %s: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("data unavailable for %s", e.Operation)
}

func (e *ErrDataUnavailable) Unwrap() error {
	return e.Cause
}

// ErrInvalidArgument indicates invalid input from the caller.
type ErrInvalidArgument struct {
	Field   string
	Message string
}

func (e *ErrInvalidArgument) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid argument for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid argument: %s", e.Message)
}

// =============================================================================
// Error Constructors
// =============================================================================

// NewInvalidVectorError creates an invalid vector error without dimension context.
func NewInvalidVectorError(reason string) error {
	return &ErrInvalidVector{Reason: reason}
}

// NewDimensionMismatchError creates an invalid vector error for a dimension mismatch.
func NewDimensionMismatchError(expected, actual int) error {
	return &ErrInvalidVector{Reason: "dimension mismatch", Expected: expected, Actual: actual}
}

// NewDataCorruptionError creates a data corruption error.
func NewDataCorruptionError(row int, format string, args ...any) error {
	return &ErrDataCorruption{Row: row, Reason: fmt.Sprintf(format, args...)}
}

// NewDataUnavailableError creates a data unavailable error.
func NewDataUnavailableError(operation string, cause error) error {
	return &ErrDataUnavailable{Operation: operation, Cause: cause}
}

// NewInvalidArgumentError creates an invalid argument error.
func NewInvalidArgumentError(field, message string) error {
	return &ErrInvalidArgument{Field: field, Message: message}
}

// =============================================================================
// Predicates
// =============================================================================

func IsInvalidVector(err error) bool {
	var target *ErrInvalidVector
	return errors.As(err, &target)
}

func IsDataCorruption(err error) bool {
	var target *ErrDataCorruption
	return errors.As(err, &target)
}

func IsDataUnavailable(err error) bool {
	var target *ErrDataUnavailable
	return errors.As(err, &target)
}

func IsInvalidArgument(err error) bool {
	var target *ErrInvalidArgument
	return errors.As(err, &target)
}
