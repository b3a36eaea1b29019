// Package kv defines the storage contract for the balanced broker and the
// canonical key layout shared by every backend.
//
// The broker keeps all persistent state in a Redis-compatible key-value
// store. Operations that touch more than one key are expressed as atomic
// script calls on the KV interface; a backend must execute each of them as
// a single atomic step (server-side Lua for Redis, one mutex hold for the
// in-memory store). Primitive reads and single-key writes have no atomicity
// requirement beyond the key itself.
package kv

import (
	"context"
	"time"
)

// PushKeys names the keys touched by the Push script.
type PushKeys struct {
	Partitions string // Set of partitions with queued jobs
	Queue      string // List holding the partition's payloads
	Metrics    string // Hash with per-partition counters
}

// PopKeys names the keys touched by the PopWithCap script.
type PopKeys struct {
	Queue      string
	Partitions string
	Active     string // Hash of reservation id -> acquire time
	Metrics    string
}

// PromoteKeys names the keys touched by the PromoteDue script.
type PromoteKeys struct {
	Delayed    string // Sorted Set scored by due time
	Queue      string
	Partitions string
	Metrics    string
}

// KV is the capability set the broker requires from its store.
//
// Script operations are atomic. All timestamps are Unix seconds; TTLs are
// passed as durations and applied as key expiry where the backend supports
// it.
type KV interface {
	// Push atomically registers the partition, appends the payload to the
	// tail of the queue list, stamps first_job_time if unset, and bumps
	// total_pushed. Returns the new queue length.
	Push(ctx context.Context, keys PushKeys, payload, partition string, now int64) (int64, error)

	// PopWithCap atomically pops the head payload provided the active set
	// holds fewer than cap entries. On success it records the reservation,
	// refreshes the active key expiry to ttl, bumps total_popped, and, if
	// the pop emptied the queue, removes the partition from the set and
	// clears first_job_time. The second return is false when nothing was
	// popped (cap reached or queue empty).
	PopWithCap(ctx context.Context, keys PopKeys, partition, reservationID string, capLimit int, ttl time.Duration, now int64) (string, bool, error)

	// ReapAndCount deletes active entries older than threshold and returns
	// the remaining count.
	ReapAndCount(ctx context.Context, activeKey string, threshold int64) (int64, error)

	// AcquireWithReap reaps stale entries, then records the reservation and
	// refreshes expiry iff the post-reap count is below cap. Returns whether
	// the reservation was acquired.
	AcquireWithReap(ctx context.Context, activeKey, reservationID string, capLimit int, ttl time.Duration, now, threshold int64) (bool, error)

	// PromoteDue moves up to limit entries whose due time is <= now from the
	// delayed set back onto the queue tail, re-registering the partition and
	// restoring first_job_time when needed. Returns how many were moved.
	PromoteDue(ctx context.Context, keys PromoteKeys, partition string, now int64, limit int) (int64, error)

	// Set primitives.
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetRandomMember(ctx context.Context, key string) (string, bool, error)
	SetRemove(ctx context.Context, key string, member string) error

	// List primitives.
	ListLen(ctx context.Context, key string) (int64, error)

	// Hash primitives.
	HashGet(ctx context.Context, key, field string) (string, bool, error)
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashDelete(ctx context.Context, key string, fields ...string) error
	HashLen(ctx context.Context, key string) (int64, error)
	HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Counter primitive backing round-robin state.
	Incr(ctx context.Context, key string) (int64, error)

	// Sorted-set primitive backing delayed release.
	SortedAdd(ctx context.Context, key, member string, score float64) error
	SortedCard(ctx context.Context, key string) (int64, error)

	// ScanKeys returns every key matching pattern. Used off the hot path
	// only (queue discovery by the metrics reader).
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Delete removes whole keys. Missing keys are not an error.
	Delete(ctx context.Context, keyNames ...string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}
