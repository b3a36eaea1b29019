package limiter

import (
	"context"
	"time"

	"github.com/xraph/balanced/kv"
)

// FixedConfig configures the fixed-cap limiter.
type FixedConfig struct {
	// MaxConcurrent is the cap on simultaneous reservations per partition.
	MaxConcurrent int

	// LockTTL is the grace window after which a reservation whose worker
	// vanished stops counting toward the cap. It must exceed the worker's
	// job-retry timeout or live jobs get double-dispatched.
	LockTTL time.Duration
}

// DefaultFixedConfig returns the default fixed limiter settings.
func DefaultFixedConfig() FixedConfig {
	return FixedConfig{
		MaxConcurrent: 10,
		LockTTL:       5 * time.Minute,
	}
}

// FixedConfigFromSettings reads a settings bag into a FixedConfig.
func FixedConfigFromSettings(settings map[string]any) FixedConfig {
	def := DefaultFixedConfig()
	return FixedConfig{
		MaxConcurrent: intSetting(settings, "max_concurrent", def.MaxConcurrent),
		LockTTL:       durationSetting(settings, "lock_ttl", def.LockTTL),
	}
}

// Fixed caps each partition at a constant number of in-flight
// reservations. Stale reservations are reaped lazily inside the acquire
// script, so a crashed worker frees its slot after LockTTL without any
// background sweeper.
type Fixed struct {
	cfg FixedConfig
	now func() time.Time
}

// NewFixed returns a fixed-cap limiter.
func NewFixed(cfg FixedConfig) *Fixed {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultFixedConfig().MaxConcurrent
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultFixedConfig().LockTTL
	}
	return &Fixed{cfg: cfg, now: time.Now}
}

// Name implements Limiter.
func (*Fixed) Name() string { return "simple" }

// CanProcess implements Limiter.
func (f *Fixed) CanProcess(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition string) (bool, error) {
	n, err := f.ActiveCount(ctx, store, keys, queue, partition)
	if err != nil {
		return false, err
	}
	return n < int64(f.cfg.MaxConcurrent), nil
}

// Acquire implements Limiter.
func (f *Fixed) Acquire(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition, reservationID string) (bool, error) {
	now := f.now().Unix()
	threshold := now - int64(f.cfg.LockTTL.Seconds())
	return store.AcquireWithReap(ctx, keys.Active(queue, partition), reservationID,
		f.cfg.MaxConcurrent, f.cfg.LockTTL, now, threshold)
}

// OnReserved implements Limiter. The fixed limiter has no acquire side
// effects beyond the reservation entry itself, which the pop script
// already wrote.
func (*Fixed) OnReserved(context.Context, kv.KV, kv.Keys, string, string) error {
	return nil
}

// Release implements Limiter.
func (f *Fixed) Release(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition, reservationID string) error {
	return store.HashDelete(ctx, keys.Active(queue, partition), reservationID)
}

// ActiveCount implements Limiter. Reaps stale reservations first so the
// count reflects live workers only.
func (f *Fixed) ActiveCount(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition string) (int64, error) {
	threshold := f.now().Unix() - int64(f.cfg.LockTTL.Seconds())
	return store.ReapAndCount(ctx, keys.Active(queue, partition), threshold)
}

// MaxConcurrent implements Limiter.
func (f *Fixed) MaxConcurrent(context.Context, kv.KV, kv.Keys, string) (int, error) {
	return f.cfg.MaxConcurrent, nil
}

// LockTTL implements Limiter.
func (f *Fixed) LockTTL() time.Duration { return f.cfg.LockTTL }
