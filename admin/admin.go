// Package admin provides the operator surface over balanced queues: a
// table/watch view of per-partition load, and clear operations for
// draining a partition or a whole queue.
package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/metrics"
)

// Option configures the Admin.
type Option func(*Admin)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Admin) { a.logger = l }
}

// Admin executes operator commands against one key layout.
type Admin struct {
	store  kv.KV
	keys   kv.Keys
	reader *metrics.Reader
	logger *slog.Logger
}

// New creates an Admin over the given store and key layout.
func New(store kv.KV, keys kv.Keys, opts ...Option) *Admin {
	a := &Admin{
		store:  store,
		keys:   keys,
		reader: metrics.NewReader(store, keys),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// TableInfo captions the table view with the active policies.
type TableInfo struct {
	Strategy string
	Cap      string // rendered limiter cap, e.g. "5", "adaptive 5..20", "unlimited"
}

// RenderTable writes one snapshot of the queue's partitions, sorted by
// pending descending.
func (a *Admin) RenderTable(ctx context.Context, w io.Writer, queue string, info TableInfo) error {
	stats, err := a.reader.ReadQueue(ctx, queue)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Queue: %s    strategy=%s    cap=%s\n", queue, info.Strategy, info.Cap)
	if len(stats.Partitions) == 0 {
		fmt.Fprintln(w, "(no partitions with queued jobs)")
		return nil
	}

	rows := make([]metrics.PartitionStats, len(stats.Partitions))
	copy(rows, stats.Partitions)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Queued > rows[j].Queued })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tPENDING\tACTIVE\tPROCESSED\tDELAYED")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n",
			row.Partition, row.Queued, row.Active, row.Processed, row.Delayed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "total: pending=%d active=%d processed=%d partitions=%d\n",
		stats.Pending, stats.Active, stats.Processed, stats.PartitionCount)
	return nil
}

// RenderAll writes one snapshot per discovered queue.
func (a *Admin) RenderAll(ctx context.Context, w io.Writer, info TableInfo) error {
	queues := a.reader.Queues(ctx)
	if len(queues) == 0 {
		fmt.Fprintln(w, "(no queues)")
		return nil
	}
	for i, q := range queues {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := a.RenderTable(ctx, w, q, info); err != nil {
			return err
		}
	}
	return nil
}

// clearScreen is the ANSI erase-display + cursor-home sequence the watch
// loop emits between redraws.
const clearScreen = "\033[2J\033[H"

// Watch redraws the table every interval until the context is cancelled.
func (a *Admin) Watch(ctx context.Context, w io.Writer, queue string, all bool, info TableInfo, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	draw := func() error {
		fmt.Fprint(w, clearScreen)
		fmt.Fprintf(w, "balanced  %s  (refresh %s)\n\n", time.Now().Format(time.TimeOnly), interval)
		if all {
			return a.RenderAll(ctx, w, info)
		}
		return a.RenderTable(ctx, w, queue, info)
	}

	if err := draw(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := draw(); err != nil {
				return err
			}
		}
	}
}

// ClearPartition removes one partition's queue, active set, delayed set,
// and metrics, and drops it from the partition set. Clearing a partition
// that does not exist succeeds: the end state is the same.
func (a *Admin) ClearPartition(ctx context.Context, queue, partition string) error {
	if err := a.store.Delete(ctx,
		a.keys.Queue(queue, partition),
		a.keys.Active(queue, partition),
		a.keys.Delayed(queue, partition),
		a.keys.Metrics(queue, partition),
	); err != nil {
		return err
	}
	if err := a.store.SetRemove(ctx, a.keys.Partitions(queue), partition); err != nil {
		return err
	}
	a.logger.Info("partition cleared",
		slog.String("queue", queue),
		slog.String("partition", partition),
	)
	return nil
}

// ClearQueue clears every partition, then removes the partition set and
// round-robin state. Returns the number of partitions cleared; zero with a
// nil error means the queue was already empty.
func (a *Admin) ClearQueue(ctx context.Context, queue string) (int, error) {
	members, err := a.store.SetMembers(ctx, a.keys.Partitions(queue))
	if err != nil {
		return 0, err
	}
	for _, partition := range members {
		if err := a.ClearPartition(ctx, queue, partition); err != nil {
			return 0, err
		}
	}
	if err := a.store.Delete(ctx,
		a.keys.Partitions(queue),
		a.keys.RRState(queue),
		a.keys.GlobalMetrics(queue),
	); err != nil {
		return 0, err
	}
	a.logger.Info("queue cleared",
		slog.String("queue", queue),
		slog.Int("partitions", len(members)),
	)
	return len(members), nil
}
