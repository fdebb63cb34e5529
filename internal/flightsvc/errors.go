package flightsvc

import (
	"context"
	"errors"

	"github.com/23skdu/canopy/internal/core"
	"github.com/23skdu/canopy/internal/limiter"
	"github.com/23skdu/canopy/internal/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToGRPCStatus converts a domain error to a gRPC status error with appropriate code.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()

	case core.IsInvalidVector(err), core.IsInvalidArgument(err):
		return status.Error(codes.InvalidArgument, err.Error())

	case core.IsDataCorruption(err):
		return status.Error(codes.DataLoss, err.Error())

	case core.IsDataUnavailable(err):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, limiter.ErrThrottled):
		return status.Error(codes.ResourceExhausted, err.Error())

	case storage.IsNotFoundError(err):
		return status.Error(codes.NotFound, err.Error())

	default:
		// Unknown errors default to Internal
		return status.Error(codes.Internal, err.Error())
	}
}
