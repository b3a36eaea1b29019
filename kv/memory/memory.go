// Package memory is a fully in-memory implementation of kv.KV.
// Safe for concurrent access. Intended for unit testing and development;
// script operations hold one lock for their whole body, which gives them
// the same atomicity the Redis backend gets from Lua.
package memory

import (
	"context"
	"math"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/xraph/balanced/kv"
)

// Compile-time interface check.
var _ kv.KV = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the wall clock used for key expiry. Tests use this
// to force TTL lapses without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type zentry struct {
	member string
	score  float64
}

// Store holds every keyspace in plain maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	sets     map[string]map[string]struct{}
	lists    map[string][]string
	hashes   map[string]map[string]string
	counters map[string]int64
	zsets    map[string][]zentry
	expiry   map[string]time.Time

	now func() time.Time
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sets:     make(map[string]map[string]struct{}),
		lists:    make(map[string][]string),
		hashes:   make(map[string]map[string]string),
		counters: make(map[string]int64),
		zsets:    make(map[string][]zentry),
		expiry:   make(map[string]time.Time),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// expireLocked drops a key's hash contents when its expiry has lapsed.
// Only active hashes carry expiry in this system.
func (s *Store) expireLocked(key string) {
	if deadline, ok := s.expiry[key]; ok && s.now().After(deadline) {
		delete(s.hashes, key)
		delete(s.expiry, key)
	}
}

// ──────────────────────────────────────────────────
// Script operations
// ──────────────────────────────────────────────────

// Push atomically appends a payload to a partition's queue.
func (s *Store) Push(_ context.Context, keys kv.PushKeys, payload, partition string, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setAddLocked(keys.Partitions, partition)
	s.lists[keys.Queue] = append(s.lists[keys.Queue], payload)
	m := s.hashLocked(keys.Metrics)
	if _, ok := m[kv.FieldFirstJobTime]; !ok {
		m[kv.FieldFirstJobTime] = formatInt(now)
	}
	m[kv.FieldTotalPushed] = formatInt(parseInt(m[kv.FieldTotalPushed]) + 1)
	return int64(len(s.lists[keys.Queue])), nil
}

// PopWithCap atomically pops the head payload if the partition is under cap.
func (s *Store) PopWithCap(_ context.Context, keys kv.PopKeys, partition, reservationID string, capLimit int, ttl time.Duration, now int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(keys.Active)
	if capLimit > 0 && capLimit != math.MaxInt && len(s.hashes[keys.Active]) >= capLimit {
		return "", false, nil
	}
	list := s.lists[keys.Queue]
	if len(list) == 0 {
		return "", false, nil
	}
	payload := list[0]
	s.lists[keys.Queue] = list[1:]

	active := s.hashLocked(keys.Active)
	active[reservationID] = formatInt(now)
	s.expiry[keys.Active] = s.now().Add(ttl)

	m := s.hashLocked(keys.Metrics)
	m[kv.FieldTotalPopped] = formatInt(parseInt(m[kv.FieldTotalPopped]) + 1)

	if len(s.lists[keys.Queue]) == 0 {
		delete(s.lists, keys.Queue)
		s.setRemoveLocked(keys.Partitions, partition)
		delete(m, kv.FieldFirstJobTime)
	}
	return payload, true, nil
}

// ReapAndCount drops stale reservations and returns the remaining count.
func (s *Store) ReapAndCount(_ context.Context, activeKey string, threshold int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reapLocked(activeKey, threshold), nil
}

func (s *Store) reapLocked(activeKey string, threshold int64) int64 {
	s.expireLocked(activeKey)
	active := s.hashes[activeKey]
	for id, ts := range active {
		if parseInt(ts) < threshold {
			delete(active, id)
		}
	}
	return int64(len(active))
}

// AcquireWithReap reaps, then records the reservation iff under cap.
func (s *Store) AcquireWithReap(_ context.Context, activeKey, reservationID string, capLimit int, ttl time.Duration, now, threshold int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.reapLocked(activeKey, threshold)
	if capLimit > 0 && capLimit != math.MaxInt && n >= int64(capLimit) {
		return false, nil
	}
	s.hashLocked(activeKey)[reservationID] = formatInt(now)
	s.expiry[activeKey] = s.now().Add(ttl)
	return true, nil
}

// PromoteDue moves due delayed payloads back onto the queue tail.
func (s *Store) PromoteDue(_ context.Context, keys kv.PromoteKeys, partition string, now int64, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	entries := s.zsets[keys.Delayed]
	var promoted int64
	for len(entries) > 0 && entries[0].score <= float64(now) && promoted < int64(limit) {
		s.lists[keys.Queue] = append(s.lists[keys.Queue], entries[0].member)
		entries = entries[1:]
		promoted++
	}
	if promoted == 0 {
		return 0, nil
	}
	if len(entries) == 0 {
		delete(s.zsets, keys.Delayed)
	} else {
		s.zsets[keys.Delayed] = entries
	}
	s.setAddLocked(keys.Partitions, partition)
	m := s.hashLocked(keys.Metrics)
	if _, ok := m[kv.FieldFirstJobTime]; !ok {
		m[kv.FieldFirstJobTime] = formatInt(now)
	}
	m[kv.FieldTotalPushed] = formatInt(parseInt(m[kv.FieldTotalPushed]) + promoted)
	return promoted, nil
}

// ──────────────────────────────────────────────────
// Set primitives
// ──────────────────────────────────────────────────

func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	// Deterministic order keeps tests stable; Redis set order is unspecified
	// anyway, so callers may not rely on it.
	sort.Strings(members)
	return members, nil
}

func (s *Store) SetRandomMember(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Go map iteration order doubles as the random pick.
	for m := range s.sets[key] {
		return m, true, nil
	}
	return "", false, nil
}

func (s *Store) SetRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setRemoveLocked(key, member)
	return nil
}

func (s *Store) setAddLocked(key, member string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
}

func (s *Store) setRemoveLocked(key, member string) {
	if set, ok := s.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
}

// ──────────────────────────────────────────────────
// List / hash / counter / sorted-set primitives
// ──────────────────────────────────────────────────

func (s *Store) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *Store) HashGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *Store) HashSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashLocked(key)
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *Store) HashDelete(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *Store) HashLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	return int64(len(s.hashes[key])), nil
}

func (s *Store) HashIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashLocked(key)
	n := parseInt(h[field]) + delta
	h[field] = formatInt(n)
	return n, nil
}

func (s *Store) hashLocked(key string) map[string]string {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	return h
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) SortedAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.zsets[key]
	for i, e := range entries {
		if e.member == member {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	entries = append(entries, zentry{member: member, score: score})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	s.zsets[key] = entries
	return nil
}

func (s *Store) SortedCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

// ──────────────────────────────────────────────────
// Key management
// ──────────────────────────────────────────────────

// ScanKeys matches against every live key using path.Match-style globs,
// which covers the single-star patterns the metrics reader uses.
func (s *Store) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	match := func(key string) {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for k := range s.sets {
		match(k)
	}
	for k := range s.lists {
		match(k)
	}
	for k := range s.hashes {
		match(k)
	}
	for k := range s.counters {
		match(k)
	}
	for k := range s.zsets {
		match(k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Delete(_ context.Context, keyNames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keyNames {
		delete(s.sets, k)
		delete(s.lists, k)
		delete(s.hashes, k)
		delete(s.counters, k)
		delete(s.zsets, k)
		delete(s.expiry, k)
	}
	return nil
}
