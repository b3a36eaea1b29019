package strategy

import (
	"context"

	"github.com/xraph/balanced/kv"
)

// RoundRobin cycles through the partition set in lexicographic order,
// driven by a shared atomic counter in the KV. Every partition in a stable
// set is visited within n consecutive selections, so no partition starves
// while its peers are drained. Concurrent workers share the counter, so the
// rotation holds across processes.
type RoundRobin struct{}

// NewRoundRobin returns the round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Name implements Strategy.
func (*RoundRobin) Name() string { return "round-robin" }

// Select implements Strategy.
func (*RoundRobin) Select(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (string, bool, error) {
	members, err := sortedMembers(ctx, store, keys.Partitions(queue))
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}

	tick, err := store.Incr(ctx, keys.RRState(queue))
	if err != nil {
		return "", false, err
	}
	idx := int((tick - 1) % int64(len(members)))
	return members[idx], true, nil
}
