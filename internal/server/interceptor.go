package server

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"PerpSettle/internal/observability"
)

// metricsInterceptor counts RPCs by method and status code.
func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		m.RPCRequests.WithLabelValues(method, status.Code(err).String()).Inc()
		m.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}
