// Package metrics provides the read-only view over balanced queues and the
// exporters that render it: Prometheus-style line protocol aggregated per
// queue, and JSON with per-partition detail.
//
// Everything here runs out-of-band from the hot path. Queue discovery is a
// keyspace scan, which is acceptable for a scraper but must never be called
// from a worker loop.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/xraph/balanced/kv"
)

// PartitionStats is the per-partition detail row.
type PartitionStats struct {
	Partition string `json:"partition"`
	Queued    int64  `json:"queued"`
	Active    int64  `json:"active"`
	Processed int64  `json:"processed"`

	// Raw counters from the metrics hash.
	TotalPushed  int64 `json:"total_pushed"`
	FirstJobTime int64 `json:"first_job_time,omitempty"`
	Delayed      int64 `json:"delayed,omitempty"`
}

// QueueStats aggregates one queue across its partitions.
type QueueStats struct {
	Queue          string           `json:"queue"`
	Pending        int64            `json:"pending"`
	Active         int64            `json:"active"`
	Processed      int64            `json:"processed"`
	PartitionCount int              `json:"partition_count"`
	Partitions     []PartitionStats `json:"partitions"`
}

// Option configures the Reader.
type Option func(*Reader)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// Reader enumerates queues and partitions and reads their counters.
type Reader struct {
	store  kv.KV
	keys   kv.Keys
	logger *slog.Logger
}

// NewReader creates a Reader over the given store and key layout.
func NewReader(store kv.KV, keys kv.Keys, opts ...Option) *Reader {
	r := &Reader{store: store, keys: keys, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Queues discovers every queue with at least one non-empty partition by
// scanning for partition-set keys. Scan errors are swallowed: the reader
// logs and reports an empty world rather than failing a scrape.
func (r *Reader) Queues(ctx context.Context) []string {
	found, err := r.store.ScanKeys(ctx, r.keys.PartitionsPattern())
	if err != nil {
		r.logger.Warn("queue discovery scan failed", slog.String("error", err.Error()))
		return nil
	}

	prefix := r.keys.Prefix() + ":queues:"
	const suffix = ":partitions"
	queues := make([]string, 0, len(found))
	for _, key := range found {
		name := strings.TrimPrefix(key, prefix)
		name = strings.TrimSuffix(name, suffix)
		if name != "" {
			queues = append(queues, name)
		}
	}
	sort.Strings(queues)
	return queues
}

// Read returns stats for every discovered queue. Per-queue read errors are
// swallowed the same way scan errors are.
func (r *Reader) Read(ctx context.Context) []QueueStats {
	var out []QueueStats
	for _, q := range r.Queues(ctx) {
		stats, err := r.ReadQueue(ctx, q)
		if err != nil {
			r.logger.Warn("queue read failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, stats)
	}
	return out
}

// ReadQueue returns stats for one queue.
func (r *Reader) ReadQueue(ctx context.Context, queue string) (QueueStats, error) {
	members, err := r.store.SetMembers(ctx, r.keys.Partitions(queue))
	if err != nil {
		return QueueStats{}, err
	}
	sort.Strings(members)

	stats := QueueStats{Queue: queue, PartitionCount: len(members)}
	for _, partition := range members {
		ps, readErr := r.readPartition(ctx, queue, partition)
		if readErr != nil {
			return QueueStats{}, readErr
		}
		stats.Pending += ps.Queued
		stats.Active += ps.Active
		stats.Processed += ps.Processed
		stats.Partitions = append(stats.Partitions, ps)
	}
	return stats, nil
}

func (r *Reader) readPartition(ctx context.Context, queue, partition string) (PartitionStats, error) {
	ps := PartitionStats{Partition: partition}

	var err error
	if ps.Queued, err = r.store.ListLen(ctx, r.keys.Queue(queue, partition)); err != nil {
		return ps, err
	}
	if ps.Active, err = r.store.HashLen(ctx, r.keys.Active(queue, partition)); err != nil {
		return ps, err
	}
	if ps.Delayed, err = r.store.SortedCard(ctx, r.keys.Delayed(queue, partition)); err != nil {
		return ps, err
	}

	metricsKey := r.keys.Metrics(queue, partition)
	ps.Processed = r.counter(ctx, metricsKey, kv.FieldTotalPopped)
	ps.TotalPushed = r.counter(ctx, metricsKey, kv.FieldTotalPushed)
	ps.FirstJobTime = r.counter(ctx, metricsKey, kv.FieldFirstJobTime)
	return ps, nil
}

// counter reads a numeric hash field, treating absence as zero.
func (r *Reader) counter(ctx context.Context, key, field string) int64 {
	raw, ok, err := r.store.HashGet(ctx, key, field)
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64) //nolint:errcheck // non-numeric counters read as zero
	return n
}
