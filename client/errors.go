package client

import (
	"errors"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/limiter"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusError carries the gRPC code of a failed call alongside the domain error
// it was mapped to, so callers can use both status.Code and the core predicates.
type StatusError struct {
	Code  codes.Code
	cause error
}

func (e *StatusError) Error() string {
	return e.cause.Error()
}

func (e *StatusError) Unwrap() error {
	return e.cause
}

// GRPCStatus lets status.Code and status.FromError see the original code.
func (e *StatusError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.cause.Error())
}

// fromStatus maps a gRPC status back onto the domain errors the server started from.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var cause error
	switch st.Code() {
	case codes.InvalidArgument:
		cause = core.NewInvalidArgumentError("request", st.Message())
	case codes.DataLoss:
		cause = core.NewDataCorruptionError(-1, "%s", st.Message())
	case codes.Unavailable:
		cause = core.NewDataUnavailableError("flight", errors.New(st.Message()))
	case codes.ResourceExhausted:
		cause = limiter.ErrThrottled
	default:
		cause = err
	}
	return &StatusError{Code: st.Code(), cause: cause}
}

// IsRetryable reports whether a failed call may succeed if repeated later.
func IsRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
