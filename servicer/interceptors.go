package servicer

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/api"
)

// MarkHandled tags every reply with the HandledByKey trailer. It must run
// outermost so rejections by later interceptors carry the mark too.
func MarkHandled(self api.NodeAddress) grpc.UnaryServerInterceptor {
	md := metadata.Pairs(HandledByKey, string(self))
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		_ = grpc.SetTrailer(ctx, md)
		return handler(ctx, req)
	}
}

// LimitConcurrency lets at most n unary calls run at once. Calls over the
// limit wait for a slot or for their context.
func LimitConcurrency(n int) grpc.UnaryServerInterceptor {
	if n <= 0 {
		n = 1
	}
	slots := make(chan struct{}, n)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		defer func() { <-slots }()
		return handler(ctx, req)
	}
}

func LogCalls(l *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelWarn
		}
		l.Log(ctx, level, "rpc",
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Duration("duration", time.Since(start)))
		return resp, err
	}
}
