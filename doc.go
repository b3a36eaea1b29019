// Package balanced is a fair job-dispatch broker layered over a
// Redis-compatible key-value store. It partitions each logical queue by a
// caller-supplied tenant key so no single tenant can monopolize workers,
// and bounds each tenant's in-flight jobs with pluggable concurrency
// limiters. Jobs are never rejected: they queue and are served as capacity
// frees.
//
// # Quick Start
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	broker, err := balanced.New(
//	    balanced.WithKV(rediskv.New(client)),
//	    balanced.WithStrategy(strategy.NewRoundRobin()),
//	    balanced.WithLimiter(limiter.NewFixed(limiter.FixedConfig{MaxConcurrent: 5, LockTTL: 5 * time.Minute})),
//	)
//
//	n, err := broker.Push(ctx, payload, "default", balanced.WithPartition("user:123"))
//	res, err := broker.Pop(ctx, "default")
//	if res != nil {
//	    // ... run the job ...
//	    err = res.Delete(ctx)
//	}
//
// # Architecture
//
// The KV owns all persistent state; the broker holds transient per-call
// state only, so any number of producer and worker processes can share one
// queue. Partition selection (which tenant is served next) and concurrency
// limiting (how many reservations a tenant may hold) are open sets of
// named implementations resolved from configuration.
package balanced
