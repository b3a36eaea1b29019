package balanced

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/kv/memory"
	"github.com/xraph/balanced/limiter"
	"github.com/xraph/balanced/middleware"
	"github.com/xraph/balanced/strategy"
)

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *memory.Store) {
	t.Helper()
	store := memory.New()
	base := []Option{WithKV(store), WithPrefix("test")}
	b, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	return b, store
}

func counter(t *testing.T, store *memory.Store, b *Broker, queue, partition, field string) int64 {
	t.Helper()
	raw, ok, err := store.HashGet(context.Background(), b.Keys().Metrics(queue, partition), field)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64) //nolint:errcheck // test fixture data
	return n
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

func TestPush_CreatesPartition(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t)

	n, err := b.Push(ctx, "job-1", "default", WithPartition("user:123"))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected queue length 1, got %d", n)
	}

	members, _ := store.SetMembers(ctx, b.Keys().Partitions("default"))
	if len(members) != 1 || members[0] != "user:123" {
		t.Fatalf("expected partitions {user:123}, got %v", members)
	}
	qlen, _ := store.ListLen(ctx, b.Keys().Queue("default", "user:123"))
	if qlen != 1 {
		t.Fatalf("expected 1 queued job, got %d", qlen)
	}
	if got := counter(t, store, b, "default", "user:123", kv.FieldTotalPushed); got != 1 {
		t.Fatalf("expected total_pushed=1, got %d", got)
	}
}

func TestPush_NumericPartitionKeyBecomesString(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t)

	payload := map[string]any{"user_id": 12345, "action": "resize"}
	if _, err := b.Push(ctx, payload, "default"); err != nil {
		t.Fatal(err)
	}

	members, _ := store.SetMembers(ctx, b.Keys().Partitions("default"))
	if len(members) != 1 || members[0] != "12345" {
		t.Fatalf("expected partitions {\"12345\"}, got %v", members)
	}
}

func TestPush_ResolutionPriority(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t, WithPartitionResolver(func(any) (string, bool) {
		return "from-resolver", true
	}))

	// Explicit option beats everything.
	if _, err := b.Push(ctx, "p", "q", WithPartition("explicit")); err != nil {
		t.Fatal(err)
	}
	// Resolver beats conventional fields.
	if _, err := b.Push(ctx, map[string]any{"user_id": "u9"}, "q"); err != nil {
		t.Fatal(err)
	}

	members, _ := store.SetMembers(ctx, b.Keys().Partitions("q"))
	want := map[string]bool{"explicit": true, "from-resolver": true}
	if len(members) != 2 || !want[members[0]] || !want[members[1]] {
		t.Fatalf("expected {explicit, from-resolver}, got %v", members)
	}
}

func TestPush_FallsBackToDefaultPartition(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t)

	if _, err := b.Push(ctx, "opaque payload", "q"); err != nil {
		t.Fatal(err)
	}
	members, _ := store.SetMembers(ctx, b.Keys().Partitions("q"))
	if len(members) != 1 || members[0] != DefaultPartition {
		t.Fatalf("expected the default partition, got %v", members)
	}
}

func TestPush_Disabled(t *testing.T) {
	b, _ := newTestBroker(t, WithDisabled())
	if _, err := b.Push(context.Background(), "p", "q"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := b.Pop(context.Background(), "q"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Pop: fair rotation
// ---------------------------------------------------------------------------

func TestPop_FairRotationAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, WithStrategy(strategy.NewRoundRobin()))

	for i := 1; i <= 5; i++ {
		if _, err := b.Push(ctx, "A"+strconv.Itoa(i), "q", WithPartition("A")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 2; i++ {
		if _, err := b.Push(ctx, "B"+strconv.Itoa(i), "q", WithPartition("B")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 2; i++ {
		if _, err := b.Push(ctx, "C"+strconv.Itoa(i), "q", WithPartition("C")); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for i := 0; i < 12; i++ {
		res, err := b.Pop(ctx, "q")
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if res == nil {
			continue
		}
		got = append(got, string(res.Payload()))
		if err := res.Delete(ctx); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"A1", "B1", "C1", "A2", "B2", "C2", "A3", "A4", "A5"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Pop: cap enforcement
// ---------------------------------------------------------------------------

func TestPop_CapEnforcement(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, WithLimiter(limiter.NewFixed(limiter.FixedConfig{
		MaxConcurrent: 2,
		LockTTL:       time.Minute,
	})))

	for i := 1; i <= 3; i++ {
		if _, err := b.Push(ctx, "job-"+strconv.Itoa(i), "q", WithPartition("u:888")); err != nil {
			t.Fatal(err)
		}
	}

	first, err := b.Pop(ctx, "q")
	if err != nil || first == nil {
		t.Fatalf("first pop: res=%v err=%v", first, err)
	}
	second, err := b.Pop(ctx, "q")
	if err != nil || second == nil {
		t.Fatalf("second pop: res=%v err=%v", second, err)
	}

	// Cap reached with no other partition to serve.
	third, err := b.Pop(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if third != nil {
		t.Fatalf("third pop should return nothing, got %q", third.Payload())
	}

	// Completing one job frees a slot.
	if err := first.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	fourth, err := b.Pop(ctx, "q")
	if err != nil || fourth == nil {
		t.Fatalf("fourth pop after delete: res=%v err=%v", fourth, err)
	}
	if string(fourth.Payload()) != "job-3" {
		t.Fatalf("expected job-3, got %q", fourth.Payload())
	}
}

// stickyStrategy always selects the same partition, to force the driver
// into its sidestep path.
type stickyStrategy string

func (stickyStrategy) Name() string { return "sticky" }
func (s stickyStrategy) Select(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (string, bool, error) {
	members, err := store.SetMembers(ctx, keys.Partitions(queue))
	if err != nil || len(members) == 0 {
		return "", false, err
	}
	return string(s), true, nil
}

func TestPop_TryNextPartitionWhenFirstIsCapped(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t,
		WithStrategy(stickyStrategy("a")),
		WithLimiter(limiter.NewFixed(limiter.FixedConfig{MaxConcurrent: 1, LockTTL: time.Minute})),
	)

	if _, err := b.Push(ctx, "a-job", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Push(ctx, "a-job-2", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Push(ctx, "b-job", "q", WithPartition("b")); err != nil {
		t.Fatal(err)
	}

	// Occupy partition a's only slot.
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil || res.Partition() != "a" {
		t.Fatalf("expected a pop from partition a, got %v err=%v", res, err)
	}

	// The strategy insists on a, which is capped; the driver sidesteps to
	// b within the same call.
	res2, err := b.Pop(ctx, "q")
	if err != nil || res2 == nil || res2.Partition() != "b" {
		t.Fatalf("expected a sidestep pop from partition b, got %v err=%v", res2, err)
	}

	// Both partitions capped now: a by its reservation, b emptied.
	res3, err := b.Pop(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if res3 != nil {
		t.Fatalf("expected nothing while every partition is capped or empty, got %q", res3.Payload())
	}
}

func TestPop_AdaptiveLimiterWritesGlobalSignals(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t, WithLimiter(limiter.NewAdaptive(limiter.AdaptiveConfig{
		BaseLimit:            1,
		MaxLimit:             4,
		UtilizationThreshold: 70,
		LockTTL:              time.Minute,
	})))

	if _, err := b.Push(ctx, "job-1", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Push(ctx, "job-2", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}

	// The adaptive feedback signals are written on the Pop path itself.
	acquired, ok, _ := store.HashGet(ctx, b.Keys().GlobalMetrics("q"), kv.FieldTotalAcquired)
	if !ok || acquired != "1" {
		t.Fatalf("expected total_acquired=1 after one pop, got %q", acquired)
	}
	if _, ok, _ = store.HashGet(ctx, b.Keys().GlobalMetrics("q"), kv.FieldLastUpdated); !ok {
		t.Fatal("expected last_updated to be stamped after pop")
	}

	res2, err := b.Pop(ctx, "q")
	if err != nil || res2 == nil {
		t.Fatalf("second pop: res=%v err=%v", res2, err)
	}
	acquired, _, _ = store.HashGet(ctx, b.Keys().GlobalMetrics("q"), kv.FieldTotalAcquired)
	if acquired != "2" {
		t.Fatalf("expected total_acquired=2 after two pops, got %q", acquired)
	}
}

func TestPop_EmptyQueue(t *testing.T) {
	b, _ := newTestBroker(t)
	res, err := b.Pop(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatalf("expected nil reservation on empty queue, got %v", res)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle: delete, release, cleanup
// ---------------------------------------------------------------------------

func TestPopDelete_EmptyQueueCleanup(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t, WithLimiter(limiter.NewFixed(limiter.FixedConfig{
		MaxConcurrent: 1,
		LockTTL:       time.Minute,
	})))

	if _, err := b.Push(ctx, "only-job", "q", WithPartition("X")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}
	if err := res.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	members, _ := store.SetMembers(ctx, b.Keys().Partitions("q"))
	if len(members) != 0 {
		t.Fatalf("expected no partitions, got %v", members)
	}
	if _, ok, _ := store.HashGet(ctx, b.Keys().Metrics("q", "X"), kv.FieldFirstJobTime); ok {
		t.Fatal("first_job_time should be cleared")
	}
	if got := counter(t, store, b, "q", "X", kv.FieldTotalPushed); got != 1 {
		t.Fatalf("expected total_pushed=1, got %d", got)
	}
	if got := counter(t, store, b, "q", "X", kv.FieldTotalPopped); got != 1 {
		t.Fatalf("expected total_popped=1, got %d", got)
	}
	if n, _ := store.HashLen(ctx, b.Keys().Active("q", "X")); n != 0 {
		t.Fatalf("expected no active reservations, got %d", n)
	}
}

func TestRelease_ZeroDelayRequeues(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	if _, err := b.Push(ctx, "the-job", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}
	if err := res.Release(ctx, 0); err != nil {
		t.Fatal(err)
	}

	again, err := b.Pop(ctx, "q")
	if err != nil || again == nil {
		t.Fatalf("pop after release: res=%v err=%v", again, err)
	}
	if string(again.Payload()) != "the-job" {
		t.Fatalf("expected the released payload back, got %q", again.Payload())
	}
}

func TestRelease_WithDelayParksInDelayedSet(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t)

	if _, err := b.Push(ctx, "slow-job", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}
	if err := res.Release(ctx, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	delayed, _ := store.SortedCard(ctx, b.Keys().Delayed("q", "a"))
	if delayed != 1 {
		t.Fatalf("expected 1 delayed entry, got %d", delayed)
	}
	// Not back on the queue yet.
	if again, _ := b.Pop(ctx, "q"); again != nil {
		t.Fatalf("delayed payload should not pop, got %q", again.Payload())
	}
}

func TestReservation_SettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t)

	if _, err := b.Push(ctx, "p1", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}

	if err := res.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	// Second settle attempts are no-ops.
	if err := res.Delete(ctx); err != nil {
		t.Fatalf("double delete: %v", err)
	}
	if err := res.Release(ctx, 0); err != nil {
		t.Fatalf("release after delete: %v", err)
	}
	// The release-after-delete must not have re-queued the payload.
	if n, _ := store.ListLen(ctx, b.Keys().Queue("q", "a")); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Accounting invariant
// ---------------------------------------------------------------------------

// After a mix of pushes, pops, deletes, and zero-delay releases settles
// (every reservation completed or released): total_pushed - total_popped
// == queued + active.
func TestAccounting_PushedMinusPoppedEqualsQueuedPlusActive(t *testing.T) {
	ctx := context.Background()
	b, store := newTestBroker(t)

	for i := 0; i < 5; i++ {
		if _, err := b.Push(ctx, "job-"+strconv.Itoa(i), "q", WithPartition("a")); err != nil {
			t.Fatal(err)
		}
	}

	r1, _ := b.Pop(ctx, "q")
	r2, _ := b.Pop(ctx, "q")
	r3, _ := b.Pop(ctx, "q")
	if r1 == nil || r2 == nil || r3 == nil {
		t.Fatal("expected three reservations")
	}
	if err := r1.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r2.Release(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := r3.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	pushed := counter(t, store, b, "q", "a", kv.FieldTotalPushed)
	popped := counter(t, store, b, "q", "a", kv.FieldTotalPopped)
	queued, _ := store.ListLen(ctx, b.Keys().Queue("q", "a"))
	active, _ := store.HashLen(ctx, b.Keys().Active("q", "a"))

	if pushed-popped != queued+active {
		t.Fatalf("accounting broken: pushed=%d popped=%d queued=%d active=%d",
			pushed, popped, queued, active)
	}
}

// ---------------------------------------------------------------------------
// Size, rate gate, middleware, events
// ---------------------------------------------------------------------------

func TestSize_SumsAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	for i := 0; i < 3; i++ {
		if _, err := b.Push(ctx, "p", "q", WithPartition("a")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Push(ctx, "p", "q", WithPartition("b")); err != nil {
			t.Fatal(err)
		}
	}

	n, err := b.Size(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected size 5, got %d", n)
	}
	ready, err := b.ReadyNow(ctx, "q")
	if err != nil || ready != 5 {
		t.Fatalf("ReadyNow should alias Size: got %d err=%v", ready, err)
	}
}

func TestPop_DequeueRateGate(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, WithDequeueRate("q", 1, 1))

	for i := 0; i < 3; i++ {
		if _, err := b.Push(ctx, "p", "q", WithPartition("a")); err != nil {
			t.Fatal(err)
		}
	}

	first, err := b.Pop(ctx, "q")
	if err != nil || first == nil {
		t.Fatalf("first pop should pass the gate: res=%v err=%v", first, err)
	}
	// Burst spent; an immediate second pop is gated client-side.
	second, err := b.Pop(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("second pop should be rate-gated, got %q", second.Payload())
	}
}

func TestMiddleware_WrapsOperations(t *testing.T) {
	ctx := context.Background()
	var ops []string
	record := func(ctx context.Context, op middleware.Op, next middleware.Handler) error {
		ops = append(ops, op.Name)
		return next(ctx)
	}
	b, _ := newTestBroker(t, WithMiddleware(record))

	if _, err := b.Push(ctx, "p", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}
	if err := res.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{"push", "pop", "delete"}
	if len(ops) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("expected ops %v, got %v", want, ops)
		}
	}
}

func TestEventEmitter_ReceivesLifecycle(t *testing.T) {
	ctx := context.Background()
	var events []Event
	b, _ := newTestBroker(t, WithEventEmitter(func(e Event) {
		events = append(events, e)
	}))

	if _, err := b.Push(ctx, "p", "q", WithPartition("a")); err != nil {
		t.Fatal(err)
	}
	res, err := b.Pop(ctx, "q")
	if err != nil || res == nil {
		t.Fatalf("pop: res=%v err=%v", res, err)
	}
	if err := res.Release(ctx, 10*time.Second); err != nil {
		t.Fatal(err)
	}

	want := []EventKind{EventPushed, EventPopped, EventReleased}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %+v", want, events)
	}
	for i := range want {
		if events[i].Kind != want[i] {
			t.Fatalf("expected kinds %v, got %+v", want, events)
		}
	}
	if events[2].DelaySeconds != 10 {
		t.Fatalf("expected release delay 10s, got %d", events[2].DelaySeconds)
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresKV(t *testing.T) {
	if _, err := New(); err != ErrNoKV {
		t.Fatalf("expected ErrNoKV, got %v", err)
	}
}

func TestNewFromConfig_ResolvesRegistries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = "smart"
	cfg.Limiter = "simple"
	cfg.Limiters = map[string]map[string]any{
		"simple": {"max_concurrent": 3, "lock_ttl": 60},
	}

	b, err := NewFromConfig(cfg, memory.New())
	if err != nil {
		t.Fatal(err)
	}
	if b.Strategy().Name() != "smart" {
		t.Fatalf("expected smart strategy, got %q", b.Strategy().Name())
	}
	if b.Limiter().Name() != "simple" {
		t.Fatalf("expected simple limiter, got %q", b.Limiter().Name())
	}
}

func TestNewFromConfig_UnknownNamesFailFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = "bogus"
	if _, err := NewFromConfig(cfg, memory.New()); err == nil {
		t.Fatal("unknown strategy should fail fast")
	}

	cfg = DefaultConfig()
	cfg.Limiter = "bogus"
	if _, err := NewFromConfig(cfg, memory.New()); err == nil {
		t.Fatal("unknown limiter should fail fast")
	}
}
