package balanced

import (
	"context"
	"sync/atomic"
	"time"
)

// Reservation is the handle a worker holds between a successful Pop and
// the job's completion. It exclusively owns its (queue, partition, id)
// tuple until Release or Delete is called; calling either more than once
// is a no-op on the handle and idempotent on the KV.
type Reservation struct {
	broker    *Broker
	queue     string
	partition string
	id        string
	payload   string

	settled atomic.Bool
}

// Payload returns the reserved job body.
func (r *Reservation) Payload() []byte { return []byte(r.payload) }

// Queue returns the queue the reservation was popped from.
func (r *Reservation) Queue() string { return r.queue }

// Partition returns the partition the reservation was popped from.
func (r *Reservation) Partition() string { return r.partition }

// ID returns the reservation id recorded in the partition's active set.
func (r *Reservation) ID() string { return r.id }

// Release returns the job to its partition. With zero delay the payload is
// re-queued immediately; with a positive delay it parks in the delayed set
// until due. Safe to call once; later calls are no-ops.
func (r *Reservation) Release(ctx context.Context, delay time.Duration) error {
	if !r.settled.CompareAndSwap(false, true) {
		return nil
	}
	return r.broker.Release(ctx, r.queue, r.partition, r.id, r.payload, delay)
}

// Delete marks the job completed and drops the reservation. Safe to call
// once; later calls are no-ops.
func (r *Reservation) Delete(ctx context.Context) error {
	if !r.settled.CompareAndSwap(false, true) {
		return nil
	}
	return r.broker.Delete(ctx, r.queue, r.partition, r.id)
}
