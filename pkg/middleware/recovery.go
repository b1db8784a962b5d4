package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// CommitFunc performs one dedup-and-commit cycle over a batch of fresh
// events. It is the unit every middleware in this package wraps.
type CommitFunc func(ctx context.Context) error

// RecoveryMiddleware recovers from panics raised while committing a
// batch, converting them into a plain error so a single malformed
// batch cannot take the consumer goroutine down with it.
func RecoveryMiddleware(logger *slog.Logger) func(CommitFunc) CommitFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next CommitFunc) CommitFunc {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "commit panicked",
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)
					err = fmt.Errorf("commit panicked: %v", r)
				}
			}()

			return next(ctx)
		}
	}
}
