package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
	"github.com/jeeves-cluster-organization/actorkernel/coreengine/typeutil"
)

// =============================================================================
// REQUEST ARGUMENTS
// =============================================================================

// requirePID reads a PID field. PIDs travel as decimal strings; plain
// numbers are accepted too.
func requirePID(args map[string]any, field string) (kernel.PID, error) {
	v, ok := args[field]
	if !ok || v == nil || v == "" {
		return kernel.NoPID, InvalidArgument(field)
	}
	n, ok := typeutil.SafeUint64(v)
	if !ok || n == 0 {
		return kernel.NoPID, status.Errorf(codes.InvalidArgument, "%s: invalid pid %v", field, v)
	}
	return kernel.PID(n), nil
}

// optionalPID is like requirePID but a missing field yields NoPID.
func optionalPID(args map[string]any, field string) (kernel.PID, error) {
	if v, ok := args[field]; !ok || v == nil || v == "" {
		return kernel.NoPID, nil
	}
	return requirePID(args, field)
}

func requireString(args map[string]any, field string) (string, error) {
	s, ok := typeutil.SafeString(args[field])
	if !ok || s == "" {
		return "", InvalidArgument(field)
	}
	return s, nil
}

// =============================================================================
// STATUS BUILDERS
// =============================================================================

// InvalidArgument reports a missing or malformed field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound reports an unknown resource.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// FailedPrecondition reports an operation the current state does not allow.
func FailedPrecondition(operation string, cause error) error {
	return status.Errorf(codes.FailedPrecondition, "%s: %v", operation, cause)
}

// ResourceExhausted reports a quota or pool limit.
func ResourceExhausted(operation string, cause error) error {
	return status.Errorf(codes.ResourceExhausted, "%s: %v", operation, cause)
}

// PermissionDenied reports a security tier refusal.
func PermissionDenied(operation string, cause error) error {
	return status.Errorf(codes.PermissionDenied, "%s denied: %v", operation, cause)
}

// toStatus maps a kernel error onto a gRPC status. Errors that already
// carry a status pass through.
func toStatus(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, kernel.ErrNotFound), errors.Is(err, snapshot.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", operation, err)
	case errors.Is(err, kernel.ErrSecurityDenied):
		return PermissionDenied(operation, err)
	case errors.Is(err, kernel.ErrResourceExhausted),
		errors.Is(err, kernel.ErrPoolExhausted),
		errors.Is(err, kernel.ErrMailboxFull),
		errors.Is(err, kernel.ErrOutOfMemory):
		return ResourceExhausted(operation, err)
	case errors.Is(err, kernel.ErrInvalidTransition),
		errors.Is(err, kernel.ErrNotEligible),
		errors.Is(err, kernel.ErrKernelStopped),
		errors.Is(err, kernel.ErrMailboxClosed):
		return FailedPrecondition(operation, err)
	case errors.Is(err, snapshot.ErrCorrupted), errors.Is(err, snapshot.ErrUnsupportedVersion):
		return status.Errorf(codes.DataLoss, "%s: %v", operation, err)
	default:
		return Internal(operation, err)
	}
}

func invalid(field string, err error) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %v", field, err))
}
