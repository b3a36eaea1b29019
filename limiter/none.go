package limiter

import (
	"context"
	"time"

	"github.com/xraph/balanced/kv"
)

// None allows every acquisition and tracks nothing. Use it when fair
// rotation across partitions is enough and caps are not wanted.
type None struct{}

// NewNone returns the unlimited limiter.
func NewNone() *None { return &None{} }

// Name implements Limiter.
func (*None) Name() string { return "null" }

// CanProcess implements Limiter. Always true.
func (*None) CanProcess(context.Context, kv.KV, kv.Keys, string, string) (bool, error) {
	return true, nil
}

// Acquire implements Limiter. Always succeeds without touching the KV.
func (*None) Acquire(context.Context, kv.KV, kv.Keys, string, string, string) (bool, error) {
	return true, nil
}

// OnReserved implements Limiter. No-op.
func (*None) OnReserved(context.Context, kv.KV, kv.Keys, string, string) error {
	return nil
}

// Release implements Limiter. No-op.
func (*None) Release(context.Context, kv.KV, kv.Keys, string, string, string) error {
	return nil
}

// ActiveCount implements Limiter. Always zero.
func (*None) ActiveCount(context.Context, kv.KV, kv.Keys, string, string) (int64, error) {
	return 0, nil
}

// MaxConcurrent implements Limiter.
func (*None) MaxConcurrent(context.Context, kv.KV, kv.Keys, string) (int, error) {
	return Unlimited, nil
}

// LockTTL implements Limiter.
func (*None) LockTTL() time.Duration { return 0 }
