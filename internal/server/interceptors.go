package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// rpcLevel picks the log level for a finished RPC. Health checks are noisy
// and only logged at debug. A Feed stream ending because the subscriber
// went away is normal and logged at info.
func rpcLevel(method string, err error) slog.Level {
	switch code := status.Code(err); {
	case code == codes.OK && method == healthCheckMethod:
		return slog.LevelDebug
	case code == codes.OK, code == codes.Canceled:
		return slog.LevelInfo
	case code == codes.Internal, code == codes.Unknown:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

const healthCheckMethod = "/grpc.health.v1.Health/Check"

func logRPC(logger *slog.Logger, method string, start time.Time, err error) {
	attrs := []any{"method", method, "duration", time.Since(start)}
	if err != nil {
		attrs = append(attrs, "code", status.Code(err).String(), "err", err)
	}
	logger.Log(context.Background(), rpcLevel(method, err), "rpc completed", attrs...)
}

// unaryLogging logs every unary RPC with its duration and outcome.
func unaryLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(logger, info.FullMethod, start, err)
		return resp, err
	}
}

// streamLogging logs streaming RPCs when they end. For Feed subscriptions
// the duration is the lifetime of the subscriber.
func streamLogging(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logRPC(logger, info.FullMethod, start, err)
		return err
	}
}

// unaryRecovery turns a handler panic into codes.Internal.
func unaryRecovery(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func streamRecovery(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recovered(logger *slog.Logger, method string, r any) error {
	logger.Error("panic recovered in gRPC handler",
		"method", method,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()),
	)
	return status.Error(codes.Internal, "internal server error")
}
