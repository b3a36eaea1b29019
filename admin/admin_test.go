package admin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/kv/memory"
)

var keys = kv.NewKeys("test")

func push(t *testing.T, s *memory.Store, queue, partition, payload string) {
	t.Helper()
	_, err := s.Push(context.Background(), kv.PushKeys{
		Partitions: keys.Partitions(queue),
		Queue:      keys.Queue(queue, partition),
		Metrics:    keys.Metrics(queue, partition),
	}, payload, partition, time.Now().Unix())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Table view
// ---------------------------------------------------------------------------

func TestRenderTable_SortsByPendingDescending(t *testing.T) {
	s := memory.New()
	push(t, s, "q", "light", "p1")
	for i := 0; i < 3; i++ {
		push(t, s, "q", "heavy", "p")
	}

	var sb strings.Builder
	a := New(s, keys)
	err := a.RenderTable(context.Background(), &sb, "q", TableInfo{Strategy: "round-robin", Cap: "5"})
	if err != nil {
		t.Fatal(err)
	}
	out := sb.String()

	if !strings.Contains(out, "strategy=round-robin") || !strings.Contains(out, "cap=5") {
		t.Fatalf("caption missing policies:\n%s", out)
	}
	heavyAt := strings.Index(out, "heavy")
	lightAt := strings.Index(out, "light")
	if heavyAt == -1 || lightAt == -1 || heavyAt > lightAt {
		t.Fatalf("expected heavy before light:\n%s", out)
	}
	if !strings.Contains(out, "total: pending=4") {
		t.Fatalf("missing totals line:\n%s", out)
	}
}

func TestRenderTable_EmptyQueue(t *testing.T) {
	var sb strings.Builder
	a := New(memory.New(), keys)
	if err := a.RenderTable(context.Background(), &sb, "q", TableInfo{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sb.String(), "no partitions") {
		t.Fatalf("expected the empty notice, got:\n%s", sb.String())
	}
}

// ---------------------------------------------------------------------------
// Clear operations
// ---------------------------------------------------------------------------

func TestClearPartition_RemovesAllState(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	push(t, s, "q", "a", "p1")
	push(t, s, "q", "b", "p2")
	if err := s.SortedAdd(ctx, keys.Delayed("q", "a"), "delayed-p", 100); err != nil {
		t.Fatal(err)
	}

	a := New(s, keys)
	if err := a.ClearPartition(ctx, "q", "a"); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.ListLen(ctx, keys.Queue("q", "a")); n != 0 {
		t.Fatalf("queue list should be gone, got %d entries", n)
	}
	if n, _ := s.SortedCard(ctx, keys.Delayed("q", "a")); n != 0 {
		t.Fatalf("delayed set should be gone, got %d entries", n)
	}
	members, _ := s.SetMembers(ctx, keys.Partitions("q"))
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("only partition b should remain, got %v", members)
	}
}

func TestClearQueue_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	push(t, s, "q", "a", "p1")
	push(t, s, "q", "b", "p2")
	if _, err := s.Incr(ctx, keys.RRState("q")); err != nil {
		t.Fatal(err)
	}

	a := New(s, keys)
	n, err := a.ClearQueue(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 partitions cleared, got %d", n)
	}

	members, _ := s.SetMembers(ctx, keys.Partitions("q"))
	if len(members) != 0 {
		t.Fatalf("expected no partitions, got %v", members)
	}
	// Round-robin state restarts from scratch.
	if tick, _ := s.Incr(ctx, keys.RRState("q")); tick != 1 {
		t.Fatalf("expected rr-state reset, got tick %d", tick)
	}
}

func TestClearQueue_AlreadyEmptyIsSuccess(t *testing.T) {
	a := New(memory.New(), keys)
	n, err := a.ClearQueue(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("clearing an empty queue must succeed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 partitions cleared, got %d", n)
	}
}
