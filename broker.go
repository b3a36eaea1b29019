package balanced

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/balanced/id"
	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/limiter"
	"github.com/xraph/balanced/middleware"
	"github.com/xraph/balanced/strategy"
)

// defaultLockTTL is the reservation TTL used when the active limiter does
// not carry its own (the null limiter). The pop script applies it as the
// expiry of the partition's active set, refreshed on every pop; under the
// null limiter no individual entry is reaped.
const defaultLockTTL = 5 * time.Minute

// Broker is the partitioned queue driver. It orchestrates the key layout,
// the partition-selection strategy, and the concurrency limiter into the
// Push/Pop/Release/Delete protocol, and hands out reservation handles.
//
// The KV exclusively owns all persistent state; a Broker holds transient
// per-call state only, so any number of Brokers across processes can serve
// the same queues.
type Broker struct {
	store    kv.KV
	keys     kv.Keys
	strategy strategy.Strategy
	limiter  limiter.Limiter
	resolver PartitionResolver
	logger   *slog.Logger
	now      func() time.Time
	emit     EventEmitter
	disabled bool

	middleware []middleware.Middleware
	chain      middleware.Middleware

	// rates gates Pop per queue, client-side. Written only during New.
	rates map[string]*rate.Limiter
}

// New creates a Broker with the given options. WithKV is required.
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		keys:     kv.NewKeys(""),
		strategy: strategy.NewRoundRobin(),
		limiter:  limiter.NewNone(),
		logger:   slog.Default(),
		now:      time.Now,
		rates:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.store == nil {
		return nil, ErrNoKV
	}
	if len(b.middleware) > 0 {
		b.chain = middleware.Chain(b.middleware...)
	}
	return b, nil
}

// NewFromConfig creates a Broker from a Config, resolving the strategy and
// limiter through their registries. Unknown names fail fast. Extra options
// apply after the config.
func NewFromConfig(cfg Config, store kv.KV, opts ...Option) (*Broker, error) {
	strat, err := strategy.New(cfg.Strategy, cfg.StrategySettings(cfg.Strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrStrategyNotDefined, cfg.Strategy)
	}
	lim, err := limiter.New(cfg.Limiter, cfg.LimiterSettings(cfg.Limiter))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrLimiterNotDefined, cfg.Limiter)
	}

	base := []Option{
		WithKV(store),
		WithPrefix(cfg.Redis.Prefix),
		WithStrategy(strat),
		WithLimiter(lim),
	}
	if !cfg.Enabled {
		base = append(base, WithDisabled())
	}
	return New(append(base, opts...)...)
}

// Keys returns the broker's key layout. The admin and metrics packages
// share it so every component addresses the same keyspace.
func (b *Broker) Keys() kv.Keys { return b.keys }

// KV returns the backing store.
func (b *Broker) KV() kv.KV { return b.store }

// Strategy returns the active partition-selection strategy.
func (b *Broker) Strategy() strategy.Strategy { return b.strategy }

// Limiter returns the active concurrency limiter.
func (b *Broker) Limiter() limiter.Limiter { return b.limiter }

// Logger returns the broker's logger.
func (b *Broker) Logger() *slog.Logger { return b.logger }

// runOp funnels an operation through the middleware chain.
func (b *Broker) runOp(ctx context.Context, op middleware.Op, fn func(context.Context) error) error {
	if b.chain == nil {
		return fn(ctx)
	}
	return b.chain(ctx, op, fn)
}

// lockTTL resolves the reservation TTL the pop script applies.
func (b *Broker) lockTTL() time.Duration {
	if ttl := b.limiter.LockTTL(); ttl > 0 {
		return ttl
	}
	return defaultLockTTL
}

// PushOption customizes a single Push call.
type PushOption func(*pushOptions)

type pushOptions struct {
	partition string
}

// WithPartition overrides partition resolution for one Push.
func WithPartition(key string) PushOption {
	return func(o *pushOptions) { o.partition = key }
}

// Push enqueues a payload on the queue, resolving its partition through
// the resolution chain (explicit option, PartitionKeyer capability,
// configured resolver, conventional tenant fields, "default"). Returns the
// partition's new queue length. Jobs are never rejected for load.
func (b *Broker) Push(ctx context.Context, payload any, queue string, opts ...PushOption) (int64, error) {
	if b.disabled {
		return 0, ErrDisabled
	}

	var po pushOptions
	for _, o := range opts {
		o(&po)
	}

	partition := b.resolvePartition(payload, po.partition)
	encoded, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	var length int64
	op := middleware.Op{Name: "push", Queue: queue, Partition: partition}
	err = b.runOp(ctx, op, func(ctx context.Context) error {
		var pushErr error
		length, pushErr = b.store.Push(ctx, kv.PushKeys{
			Partitions: b.keys.Partitions(queue),
			Queue:      b.keys.Queue(queue, partition),
			Metrics:    b.keys.Metrics(queue, partition),
		}, encoded, partition, b.now().Unix())
		return pushErr
	})
	if err != nil {
		return 0, err
	}

	b.emitEvent(Event{Kind: EventPushed, Queue: queue, Partition: partition})
	return length, nil
}

// Pop serves the next job from the queue. The strategy picks a partition,
// the limiter gates it, and the pop+acquire pair commits as one atomic
// script. When the chosen partition is at capacity, one pass over the
// remaining partitions looks for capacity elsewhere. Returns (nil, nil)
// when nothing is available — empty queue and limiter-full are not errors.
func (b *Broker) Pop(ctx context.Context, queue string) (*Reservation, error) {
	if b.disabled {
		return nil, ErrDisabled
	}
	if gate := b.rates[queue]; gate != nil && !gate.Allow() {
		return nil, nil
	}

	var res *Reservation
	op := middleware.Op{Name: "pop", Queue: queue}
	err := b.runOp(ctx, op, func(ctx context.Context) error {
		var popErr error
		res, popErr = b.pop(ctx, queue)
		return popErr
	})
	if err != nil {
		return nil, err
	}
	if res != nil {
		b.emitEvent(Event{Kind: EventPopped, Queue: queue, Partition: res.partition, ReservationID: res.id})
	}
	return res, nil
}

func (b *Broker) pop(ctx context.Context, queue string) (*Reservation, error) {
	partition, ok, err := b.strategy.Select(ctx, b.store, b.keys, queue)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	capLimit, err := b.limiter.MaxConcurrent(ctx, b.store, b.keys, queue)
	if err != nil {
		return nil, err
	}
	if capLimit != limiter.Unlimited {
		// ActiveCount reaps stale reservations, so the raw size the pop
		// script compares against counts live workers only.
		active, countErr := b.limiter.ActiveCount(ctx, b.store, b.keys, queue, partition)
		if countErr != nil {
			return nil, countErr
		}
		if active >= int64(capLimit) {
			return b.tryNextPartition(ctx, queue, partition, capLimit)
		}
	}

	return b.popFrom(ctx, queue, partition, capLimit)
}

// popFrom runs the atomic pop+acquire script against one partition.
func (b *Broker) popFrom(ctx context.Context, queue, partition string, capLimit int) (*Reservation, error) {
	resID := id.NewReservationID().String()
	payload, ok, err := b.store.PopWithCap(ctx, kv.PopKeys{
		Queue:      b.keys.Queue(queue, partition),
		Partitions: b.keys.Partitions(queue),
		Active:     b.keys.Active(queue, partition),
		Metrics:    b.keys.Metrics(queue, partition),
	}, partition, resID, capLimit, b.lockTTL(), b.now().Unix())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// The pop script committed the reservation; let the limiter write its
	// acquire-time signals (total_acquired, last_updated for adaptive).
	// The handle outlives a failed signal write: dropping it would orphan
	// a committed reservation over a telemetry-only key.
	if sigErr := b.limiter.OnReserved(ctx, b.store, b.keys, queue, partition); sigErr != nil {
		b.logger.Warn("limiter signal write failed",
			slog.String("queue", queue),
			slog.String("partition", partition),
			slog.String("error", sigErr.Error()),
		)
	}

	return &Reservation{
		broker:    b,
		queue:     queue,
		partition: partition,
		id:        resID,
		payload:   payload,
	}, nil
}

// tryNextPartition makes at most one pass over the remaining partitions,
// popping from the first one with spare capacity. Never revisits the
// excluded partition, which bounds worst-case work to one sweep.
func (b *Broker) tryNextPartition(ctx context.Context, queue, exclude string, capLimit int) (*Reservation, error) {
	members, err := b.store.SetMembers(ctx, b.keys.Partitions(queue))
	if err != nil {
		return nil, err
	}
	for _, partition := range members {
		if partition == exclude {
			continue
		}
		active, countErr := b.limiter.ActiveCount(ctx, b.store, b.keys, queue, partition)
		if countErr != nil {
			return nil, countErr
		}
		if active >= int64(capLimit) {
			continue
		}
		res, popErr := b.popFrom(ctx, queue, partition, capLimit)
		if popErr != nil {
			return nil, popErr
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

// Release drops the reservation and returns the payload to the partition:
// immediately on zero delay (re-pushed to the tail, so it loses its
// original position), or into the delayed set when delay is positive. The
// active-delete runs first and the re-push second, as separate steps, not
// one script: a crash between them leaves the payload neither reserved nor
// queued, and that job is lost.
func (b *Broker) Release(ctx context.Context, queue, partition, reservationID, payload string, delay time.Duration) error {
	op := middleware.Op{Name: "release", Queue: queue, Partition: partition}
	err := b.runOp(ctx, op, func(ctx context.Context) error {
		// Unconditional delete: the pop script records a reservation even
		// under the null limiter, so the driver owns its removal.
		if err := b.store.HashDelete(ctx, b.keys.Active(queue, partition), reservationID); err != nil {
			return err
		}
		if delay > 0 {
			due := float64(b.now().Add(delay).Unix())
			return b.store.SortedAdd(ctx, b.keys.Delayed(queue, partition), payload, due)
		}
		_, err := b.store.Push(ctx, kv.PushKeys{
			Partitions: b.keys.Partitions(queue),
			Queue:      b.keys.Queue(queue, partition),
			Metrics:    b.keys.Metrics(queue, partition),
		}, payload, partition, b.now().Unix())
		return err
	})
	if err != nil {
		return err
	}

	b.emitEvent(Event{
		Kind: EventReleased, Queue: queue, Partition: partition,
		ReservationID: reservationID, DelaySeconds: int64(delay.Seconds()),
	})
	return nil
}

// Delete completes the job: the reservation leaves the active set and the
// payload is gone for good. Idempotent on the KV.
func (b *Broker) Delete(ctx context.Context, queue, partition, reservationID string) error {
	op := middleware.Op{Name: "delete", Queue: queue, Partition: partition}
	err := b.runOp(ctx, op, func(ctx context.Context) error {
		return b.store.HashDelete(ctx, b.keys.Active(queue, partition), reservationID)
	})
	if err != nil {
		return err
	}

	b.emitEvent(Event{Kind: EventDeleted, Queue: queue, Partition: partition, ReservationID: reservationID})
	return nil
}

// Size sums queued jobs across every partition of the queue. Under
// concurrent mutation the result is a sampled estimate, not a snapshot.
func (b *Broker) Size(ctx context.Context, queue string) (int64, error) {
	members, err := b.store.SetMembers(ctx, b.keys.Partitions(queue))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, partition := range members {
		n, lenErr := b.store.ListLen(ctx, b.keys.Queue(queue, partition))
		if lenErr != nil {
			return 0, lenErr
		}
		total += n
	}
	return total, nil
}

// ReadyNow is an alias for Size kept for host-framework compatibility.
func (b *Broker) ReadyNow(ctx context.Context, queue string) (int64, error) {
	return b.Size(ctx, queue)
}
