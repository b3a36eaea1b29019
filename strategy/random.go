package strategy

import (
	"context"

	"github.com/xraph/balanced/kv"
)

// Random picks a uniformly random member of the partition set with a single
// KV call. Stateless and cheapest per selection; makes no starvation
// guarantee.
type Random struct{}

// NewRandom returns the random strategy.
func NewRandom() *Random { return &Random{} }

// Name implements Strategy.
func (*Random) Name() string { return "random" }

// Select implements Strategy.
func (*Random) Select(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (string, bool, error) {
	return store.SetRandomMember(ctx, keys.Partitions(queue))
}
