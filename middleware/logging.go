package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs each broker operation at debug
// level, and failures at error level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, op Op, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("queue operation failed",
				slog.String("op", op.Name),
				slog.String("queue", op.Queue),
				slog.String("partition", op.Partition),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}

		logger.Debug("queue operation",
			slog.String("op", op.Name),
			slog.String("queue", op.Queue),
			slog.String("partition", op.Partition),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
