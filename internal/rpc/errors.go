package rpc

import (
	"context"
	"errors"
	"io/fs"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/persist"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/internal/telemetry"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

// ToStatusError maps optimizer errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, kb.ErrNotFound),
		errors.Is(err, fs.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, kb.ErrInvalidParameter),
		errors.Is(err, scvx.ErrInvalidProblem),
		errors.Is(err, persist.ErrCorrupt),
		errors.Is(err, model.ErrBadHandle),
		errors.Is(err, telemetry.ErrDropped):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, compute.ErrAlreadyRunning),
		errors.Is(err, telemetry.ErrServersRunning),
		errors.Is(err, ErrHistoryDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
