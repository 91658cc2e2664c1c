package api

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hivecompute/hive/pkg/metrics"
	"github.com/hivecompute/hive/pkg/storage"
	"github.com/hivecompute/hive/pkg/types"
)

// toStatus maps internal errors onto grpc status codes so clients (and
// the CLI's exit codes) can distinguish not-found from conflicts.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrStaleTransition),
		errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrStaleToken):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case types.KindCapacity:
		return status.Error(codes.ResourceExhausted, err.Error())
	case types.KindTransient:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// MetricsInterceptor counts requests per method and outcome.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		method := info.FullMethod
		if i := strings.LastIndex(method, "/"); i >= 0 {
			method = method[i+1:]
		}
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// ReadOnlyInterceptor rejects write methods. Used on local socket
// listeners so an unauthenticated CLI can inspect but not mutate.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Error(codes.PermissionDenied,
				"write operations require the TCP endpoint")
		}
		return handler(ctx, req)
	}
}

// ReadOnlyStreamInterceptor is the streaming counterpart: WatchEvents
// passes, ExecCode does not.
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !isReadOnlyMethod(info.FullMethod) {
			return status.Error(codes.PermissionDenied,
				"write operations require the TCP endpoint")
		}
		return handler(srv, ss)
	}
}

func isReadOnlyMethod(method string) bool {
	name := method
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, prefix := range []string{"Get", "List", "Show", "Watch"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
