package rpc

import (
	"context"
	"strings"

	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor creates a gRPC unary interceptor that records request
// counts and latency per method.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
		code := status.Code(err)
		metrics.RPCRequestsTotal.WithLabelValues(method, code.String()).Inc()
		if err != nil {
			logger := log.WithComponent("rpc")
			logger.Debug().
				Str("method", method).
				Str("code", code.String()).
				Err(err).
				Msg("Request failed")
		}
		return resp, err
	}
}

// methodName extracts the method from a full path,
// e.g. "/flowjob.rpc.Feedback/Heartbeat" -> "Heartbeat"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}
