package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"netrpc/message"
)

// LoggingMiddleware logs every request with its duration, and the error
// text when the response carries one.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("access")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("request_id", req.RequestID),
				zap.String("service", req.ClassName),
				zap.String("version", req.Version),
				zap.String("method", req.MethodName),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.IsError() {
				logger.Warn("request failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Info("request served", fields...)
			return resp
		}
	}
}
