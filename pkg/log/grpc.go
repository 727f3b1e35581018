package log

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataKeyRequestID = "x-request-id"

// UnaryClientInterceptor returns a gRPC unary client interceptor that
// forwards the caller's request ID as outgoing metadata and logs the
// outcome of every call at debug level (warn on failure).
func UnaryClientInterceptor(logger zerolog.Logger) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()

		reqID := requestIDFromOutgoing(ctx)
		ctx = metadata.AppendToOutgoingContext(ctx, metadataKeyRequestID, reqID)

		err := invoker(ctx, method, req, reply, cc, opts...)

		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn()
		}
		evt.Str(FieldRequestID, reqID).
			Str(FieldGRPCMethod, method).
			Str(FieldGRPCCode, status.Code(err).String()).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
			Err(err).
			Msg("unary call completed")

		return err
	}
}

func requestIDFromOutgoing(ctx context.Context) string {
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if vals := md.Get(metadataKeyRequestID); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
