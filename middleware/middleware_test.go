package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

func TestChain_OrderIsOutsideIn(t *testing.T) {
	var trace []string
	mk := func(name string) Middleware {
		return func(ctx context.Context, op Op, next Handler) error {
			trace = append(trace, name+"-before")
			err := next(ctx)
			trace = append(trace, name+"-after")
			return err
		}
	}

	chain := Chain(mk("outer"), mk("inner"))
	err := chain(context.Background(), Op{Name: "push"}, func(context.Context) error {
		trace = append(trace, "op")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"outer-before", "inner-before", "op", "inner-after", "outer-after"}
	if len(trace) != len(want) {
		t.Fatalf("expected %v, got %v", want, trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, trace)
		}
	}
}

func TestChain_PropagatesError(t *testing.T) {
	sentinel := errors.New("boom")
	chain := Chain(Logging(discardLogger()))
	err := chain(context.Background(), Op{Name: "pop", Queue: "q"}, func(context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the operation error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Recover
// ---------------------------------------------------------------------------

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := Recover(discardLogger())
	err := mw(context.Background(), Op{Name: "pop", Queue: "q"}, func(context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}
}

func TestRecover_PassesCleanCalls(t *testing.T) {
	mw := Recover(discardLogger())
	err := mw(context.Background(), Op{Name: "push", Queue: "q"}, func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetrics_PassThrough(t *testing.T) {
	// With no MeterProvider configured the instruments are noops; the
	// middleware must still run the operation and forward its result.
	mw := Metrics()

	called := false
	err := mw(context.Background(), Op{Name: "push", Queue: "q"}, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("metrics middleware should pass through: called=%v err=%v", called, err)
	}

	sentinel := errors.New("kv down")
	err = mw(context.Background(), Op{Name: "pop", Queue: "q"}, func(context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the operation error, got %v", err)
	}
}
