package middleware

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs commit execution with timing information using slog.
func LoggingMiddleware(logger *slog.Logger) func(CommitFunc) CommitFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next CommitFunc) CommitFunc {
		return func(ctx context.Context) error {
			start := time.Now()

			logger.InfoContext(ctx, "committing batch")

			err := next(ctx)

			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "batch commit failed",
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return err
			}

			logger.InfoContext(ctx, "batch committed",
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return nil
		}
	}
}
