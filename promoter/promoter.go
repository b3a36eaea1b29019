// Package promoter moves delayed jobs back onto their partition queues
// when they come due. Releasing a job with a positive delay only parks its
// payload in a sorted set; something has to promote it again, and this
// package is that something. Run one promoter per deployment (more are
// harmless — promotion is atomic — just wasteful).
package promoter

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/balanced/backoff"
	"github.com/xraph/balanced/kv"
)

// Option configures the Promoter.
type Option func(*Promoter)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Promoter) { p.logger = l }
}

// WithInterval sets the sweep cadence. Default 1s.
func WithInterval(d time.Duration) Option {
	return func(p *Promoter) { p.interval = d }
}

// WithBatchSize caps how many payloads one sweep promotes per partition.
// Default 100.
func WithBatchSize(n int) Option {
	return func(p *Promoter) { p.batch = n }
}

// WithBackoff sets the error-path backoff. Default exponential with
// full jitter.
func WithBackoff(s backoff.Strategy) Option {
	return func(p *Promoter) { p.backoff = s }
}

// Promoter periodically scans delayed sets and promotes due payloads.
type Promoter struct {
	store    kv.KV
	keys     kv.Keys
	logger   *slog.Logger
	interval time.Duration
	batch    int
	backoff  backoff.Strategy
	now      func() time.Time
}

// New creates a Promoter over the given store and key layout.
func New(store kv.KV, keys kv.Keys, opts ...Option) *Promoter {
	p := &Promoter{
		store:    store,
		keys:     keys,
		logger:   slog.Default(),
		interval: time.Second,
		batch:    100,
		backoff:  backoff.DefaultStrategy(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run sweeps until the context is cancelled. KV errors do not stop the
// loop; consecutive failures back off exponentially and a success resets
// the cadence.
func (p *Promoter) Run(ctx context.Context) error {
	failures := 0
	for {
		promoted, err := p.Sweep(ctx)
		if err != nil {
			failures++
			p.logger.Warn("promotion sweep failed",
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()),
			)
		} else {
			failures = 0
			if promoted > 0 {
				p.logger.Debug("promoted delayed jobs", slog.Int64("count", promoted))
			}
		}

		wait := p.interval
		if failures > 0 {
			wait = p.backoff.Delay(failures)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Sweep promotes due payloads across every delayed set once and returns
// the total moved.
func (p *Promoter) Sweep(ctx context.Context) (int64, error) {
	pattern := p.keys.Prefix() + ":queues:*:delayed"
	delayedKeys, err := p.store.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}

	now := p.now().Unix()
	var total int64
	for _, delayedKey := range delayedKeys {
		queue, partition, ok := p.splitDelayedKey(delayedKey)
		if !ok {
			continue
		}
		n, promoteErr := p.store.PromoteDue(ctx, kv.PromoteKeys{
			Delayed:    delayedKey,
			Queue:      p.keys.Queue(queue, partition),
			Partitions: p.keys.Partitions(queue),
			Metrics:    p.keys.Metrics(queue, partition),
		}, partition, now, p.batch)
		if promoteErr != nil {
			return total, promoteErr
		}
		total += n
	}
	return total, nil
}

// splitDelayedKey recovers (queue, partition) from a delayed-set key:
// {prefix}:queues:{queue}:{partition}:delayed. The queue name cannot
// contain a colon; the partition may (e.g. "user:123").
func (p *Promoter) splitDelayedKey(key string) (queue, partition string, ok bool) {
	body := strings.TrimPrefix(key, p.keys.Prefix()+":queues:")
	body = strings.TrimSuffix(body, ":delayed")
	queue, partition, found := strings.Cut(body, ":")
	if !found || queue == "" || partition == "" {
		return "", "", false
	}
	return queue, partition, true
}
