package limiter

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/xraph/balanced/kv"
)

// AdaptiveConfig configures the utilization-driven limiter.
type AdaptiveConfig struct {
	// BaseLimit is the cap under high utilization.
	BaseLimit int

	// MaxLimit is the cap when the system is idle.
	MaxLimit int

	// UtilizationThreshold is the utilization above which the cap stays at
	// BaseLimit. Expressed on the same scale as the published utilization
	// signal (0..100 by convention).
	UtilizationThreshold float64

	// LockTTL is the stale-reservation grace window, as in FixedConfig.
	LockTTL time.Duration
}

// DefaultAdaptiveConfig returns the default adaptive limiter settings.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		BaseLimit:            5,
		MaxLimit:             20,
		UtilizationThreshold: 70,
		LockTTL:              5 * time.Minute,
	}
}

// AdaptiveConfigFromSettings reads a settings bag into an AdaptiveConfig.
func AdaptiveConfigFromSettings(settings map[string]any) AdaptiveConfig {
	def := DefaultAdaptiveConfig()
	return AdaptiveConfig{
		BaseLimit:            intSetting(settings, "base_limit", def.BaseLimit),
		MaxLimit:             intSetting(settings, "max_limit", def.MaxLimit),
		UtilizationThreshold: floatSetting(settings, "utilization_threshold", def.UtilizationThreshold),
		LockTTL:              durationSetting(settings, "lock_ttl", def.LockTTL),
	}
}

// Adaptive scales each partition's cap between BaseLimit and MaxLimit
// based on a queue-wide utilization signal published externally to the
// global metrics hash. Low utilization widens the cap toward MaxLimit;
// utilization at or above the threshold pins it to BaseLimit. When no
// signal has been published the limiter degrades to MaxLimit.
type Adaptive struct {
	cfg AdaptiveConfig
	now func() time.Time
}

// NewAdaptive returns an adaptive limiter.
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	def := DefaultAdaptiveConfig()
	if cfg.BaseLimit <= 0 {
		cfg.BaseLimit = def.BaseLimit
	}
	if cfg.MaxLimit < cfg.BaseLimit {
		cfg.MaxLimit = cfg.BaseLimit
	}
	if cfg.UtilizationThreshold <= 0 {
		cfg.UtilizationThreshold = def.UtilizationThreshold
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	return &Adaptive{cfg: cfg, now: time.Now}
}

// Name implements Limiter.
func (*Adaptive) Name() string { return "adaptive" }

// resolveCap computes the current cap from the published utilization.
func (a *Adaptive) resolveCap(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (int, error) {
	raw, ok, err := store.HashGet(ctx, keys.GlobalMetrics(queue), kv.FieldUtilization)
	if err != nil {
		return 0, err
	}
	if !ok {
		return a.cfg.MaxLimit, nil
	}
	u, parseErr := strconv.ParseFloat(raw, 64)
	if parseErr != nil {
		return a.cfg.MaxLimit, nil
	}

	if u >= a.cfg.UtilizationThreshold {
		return a.cfg.BaseLimit, nil
	}
	spread := float64(a.cfg.MaxLimit - a.cfg.BaseLimit)
	bonus := int(math.Floor(spread * (a.cfg.UtilizationThreshold - u) / a.cfg.UtilizationThreshold))
	capLimit := a.cfg.BaseLimit + bonus
	if capLimit > a.cfg.MaxLimit {
		capLimit = a.cfg.MaxLimit
	}
	return capLimit, nil
}

// CanProcess implements Limiter.
func (a *Adaptive) CanProcess(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition string) (bool, error) {
	capLimit, err := a.resolveCap(ctx, store, keys, queue)
	if err != nil {
		return false, err
	}
	n, err := a.ActiveCount(ctx, store, keys, queue, partition)
	if err != nil {
		return false, err
	}
	return n < int64(capLimit), nil
}

// Acquire implements Limiter. On success it bumps the queue-wide
// total_acquired counter and stamps last_updated so operators can see the
// signal loop is live.
func (a *Adaptive) Acquire(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition, reservationID string) (bool, error) {
	capLimit, err := a.resolveCap(ctx, store, keys, queue)
	if err != nil {
		return false, err
	}

	now := a.now().Unix()
	threshold := now - int64(a.cfg.LockTTL.Seconds())
	acquired, err := store.AcquireWithReap(ctx, keys.Active(queue, partition), reservationID,
		capLimit, a.cfg.LockTTL, now, threshold)
	if err != nil || !acquired {
		return acquired, err
	}
	return true, a.recordAcquire(ctx, store, keys, queue)
}

// OnReserved implements Limiter. The pop script has already recorded the
// reservation; only the queue-wide feedback signals remain to be written.
func (a *Adaptive) OnReserved(ctx context.Context, store kv.KV, keys kv.Keys, queue, _ string) error {
	return a.recordAcquire(ctx, store, keys, queue)
}

// recordAcquire bumps total_acquired and stamps last_updated on the
// queue's global metrics hash.
func (a *Adaptive) recordAcquire(ctx context.Context, store kv.KV, keys kv.Keys, queue string) error {
	global := keys.GlobalMetrics(queue)
	if _, err := store.HashIncrBy(ctx, global, kv.FieldTotalAcquired, 1); err != nil {
		return err
	}
	return store.HashSet(ctx, global, map[string]string{
		kv.FieldLastUpdated: strconv.FormatInt(a.now().Unix(), 10),
	})
}

// Release implements Limiter.
func (a *Adaptive) Release(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition, reservationID string) error {
	return store.HashDelete(ctx, keys.Active(queue, partition), reservationID)
}

// ActiveCount implements Limiter.
func (a *Adaptive) ActiveCount(ctx context.Context, store kv.KV, keys kv.Keys, queue, partition string) (int64, error) {
	threshold := a.now().Unix() - int64(a.cfg.LockTTL.Seconds())
	return store.ReapAndCount(ctx, keys.Active(queue, partition), threshold)
}

// MaxConcurrent implements Limiter. Resolves the dynamic cap.
func (a *Adaptive) MaxConcurrent(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (int, error) {
	return a.resolveCap(ctx, store, keys, queue)
}

// LockTTL implements Limiter.
func (a *Adaptive) LockTTL() time.Duration { return a.cfg.LockTTL }
