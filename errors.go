package balanced

import "errors"

var (
	// Configuration errors.
	ErrNoKV     = errors.New("balanced: no KV store configured")
	ErrDisabled = errors.New("balanced: driver is disabled")

	// Registry errors.
	ErrStrategyNotDefined = errors.New("balanced: strategy not defined")
	ErrLimiterNotDefined  = errors.New("balanced: limiter not defined")

	// Payload errors.
	ErrPayloadEncoding = errors.New("balanced: payload cannot be encoded")
)
