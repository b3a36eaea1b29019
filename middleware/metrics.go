package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for balanced metrics.
const meterName = "github.com/xraph/balanced"

// Metrics returns middleware that records per-operation metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - balanced.op.duration (Float64Histogram): operation time in seconds,
//     with attributes: op, queue, status ("ok" or "error")
//   - balanced.op.total (Int64Counter): total operations,
//     with attributes: op, queue, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"balanced.op.duration",
		metric.WithDescription("Duration of queue operations in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	operations, oErr := meter.Int64Counter(
		"balanced.op.total",
		metric.WithDescription("Total number of queue operations"),
		metric.WithUnit("{operation}"),
	)
	_ = oErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, op Op, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("op", op.Name),
			attribute.String("queue", op.Queue),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		operations.Add(ctx, 1, attrs)

		return err
	}
}
