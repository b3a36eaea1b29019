package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/balanced/kv"
)

// ttlSeconds converts a duration to whole seconds for EXPIRE, rounding up
// so sub-second TTLs do not expire immediately.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// scriptCap maps the broker's cap convention onto the scripts': caps of
// zero or below and limiter.Unlimited (math.MaxInt) are sent as 0 (no cap).
func scriptCap(capLimit int) int {
	if capLimit <= 0 || capLimit == math.MaxInt {
		return 0
	}
	return capLimit
}

// Push atomically appends a payload to a partition's queue.
func (s *Store) Push(ctx context.Context, keys kv.PushKeys, payload, partition string, now int64) (int64, error) {
	res, err := pushScript.Run(ctx, s.client,
		[]string{keys.Partitions, keys.Queue, keys.Metrics},
		payload, partition, now,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: push: %w", err)
	}
	return res, nil
}

// PopWithCap atomically pops the head payload if the partition is under cap.
func (s *Store) PopWithCap(ctx context.Context, keys kv.PopKeys, partition, reservationID string, capLimit int, ttl time.Duration, now int64) (string, bool, error) {
	res, err := popWithCapScript.Run(ctx, s.client,
		[]string{keys.Queue, keys.Partitions, keys.Active, keys.Metrics},
		partition, reservationID, scriptCap(capLimit), ttlSeconds(ttl), now,
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("balanced/redis: pop: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		// Script returned false: cap reached or queue empty.
		return "", false, nil
	}
	return payload, true, nil
}

// ReapAndCount drops stale reservations and returns the remaining count.
func (s *Store) ReapAndCount(ctx context.Context, activeKey string, threshold int64) (int64, error) {
	n, err := reapAndCountScript.Run(ctx, s.client, []string{activeKey}, threshold).Int64()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: reap: %w", err)
	}
	return n, nil
}

// AcquireWithReap reaps, then records the reservation iff under cap.
func (s *Store) AcquireWithReap(ctx context.Context, activeKey, reservationID string, capLimit int, ttl time.Duration, now, threshold int64) (bool, error) {
	n, err := acquireWithReapScript.Run(ctx, s.client, []string{activeKey},
		reservationID, scriptCap(capLimit), ttlSeconds(ttl), now, threshold,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("balanced/redis: acquire: %w", err)
	}
	return n == 1, nil
}

// PromoteDue moves due delayed payloads back onto the queue tail.
func (s *Store) PromoteDue(ctx context.Context, keys kv.PromoteKeys, partition string, now int64, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteDueScript.Run(ctx, s.client,
		[]string{keys.Delayed, keys.Queue, keys.Partitions, keys.Metrics},
		partition, now, limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: promote: %w", err)
	}
	return n, nil
}

// ── Set primitives ──

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("balanced/redis: smembers: %w", err)
	}
	return members, nil
}

func (s *Store) SetRandomMember(ctx context.Context, key string) (string, bool, error) {
	member, err := s.client.SRandMember(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("balanced/redis: srandmember: %w", err)
	}
	return member, true, nil
}

func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("balanced/redis: srem: %w", err)
	}
	return nil
}

// ── List primitives ──

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: llen: %w", err)
	}
	return n, nil
}

// ── Hash primitives ──

func (s *Store) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("balanced/redis: hget: %w", err)
	}
	return v, true, nil
}

func (s *Store) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("balanced/redis: hset: %w", err)
	}
	return nil
}

func (s *Store) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("balanced/redis: hdel: %w", err)
	}
	return nil
}

func (s *Store) HashLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: hlen: %w", err)
	}
	return n, nil
}

func (s *Store) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: hincrby: %w", err)
	}
	return n, nil
}

// ── Counter / sorted-set primitives ──

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: incr: %w", err)
	}
	return n, nil
}

func (s *Store) SortedAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("balanced/redis: zadd: %w", err)
	}
	return nil
}

func (s *Store) SortedCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("balanced/redis: zcard: %w", err)
	}
	return n, nil
}

// ── Key management ──

// ScanKeys iterates the keyspace with SCAN. Off the hot path only.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("balanced/redis: scan: %w", err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *Store) Delete(ctx context.Context, keyNames ...string) error {
	if len(keyNames) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keyNames...).Err(); err != nil {
		return fmt.Errorf("balanced/redis: del: %w", err)
	}
	return nil
}
