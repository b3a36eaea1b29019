package promoter

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/kv/memory"
)

var keys = kv.NewKeys("test")

func TestSweep_PromotesDueAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	// Two delayed payloads due, one not yet.
	if err := s.SortedAdd(ctx, keys.Delayed("q", "user:1"), "due-1", 100); err != nil {
		t.Fatal(err)
	}
	if err := s.SortedAdd(ctx, keys.Delayed("q", "user:2"), "due-2", 200); err != nil {
		t.Fatal(err)
	}
	if err := s.SortedAdd(ctx, keys.Delayed("q", "user:2"), "future", 9000); err != nil {
		t.Fatal(err)
	}

	p := New(s, keys)
	p.now = func() time.Time { return time.Unix(500, 0) }

	promoted, err := p.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 2 {
		t.Fatalf("expected 2 promotions, got %d", promoted)
	}

	for _, partition := range []string{"user:1", "user:2"} {
		n, _ := s.ListLen(ctx, keys.Queue("q", partition))
		if n != 1 {
			t.Fatalf("partition %s: expected 1 queued job, got %d", partition, n)
		}
	}
	members, _ := s.SetMembers(ctx, keys.Partitions("q"))
	if len(members) != 2 {
		t.Fatalf("both partitions should be re-registered, got %v", members)
	}
	if left, _ := s.SortedCard(ctx, keys.Delayed("q", "user:2")); left != 1 {
		t.Fatalf("the future payload should stay parked, got %d entries", left)
	}
}

func TestSweep_NothingDue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.SortedAdd(ctx, keys.Delayed("q", "a"), "future", 9000); err != nil {
		t.Fatal(err)
	}

	p := New(s, keys)
	p.now = func() time.Time { return time.Unix(500, 0) }

	promoted, err := p.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 0 {
		t.Fatalf("expected no promotions, got %d", promoted)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := New(memory.New(), keys, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("promoter did not stop on cancel")
	}
}

func TestSplitDelayedKey(t *testing.T) {
	p := New(memory.New(), keys)

	queue, partition, ok := p.splitDelayedKey("test:queues:default:user:123:delayed")
	if !ok || queue != "default" || partition != "user:123" {
		t.Fatalf("got queue=%q partition=%q ok=%v", queue, partition, ok)
	}

	if _, _, ok := p.splitDelayedKey("test:queues::delayed"); ok {
		t.Fatal("malformed key should not split")
	}
}
