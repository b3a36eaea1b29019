// Package strategy provides partition-selection policies for the balanced
// broker. A strategy decides which partition a worker is served from next;
// it never pops, so a selection can still come up empty when another worker
// wins the race.
//
// Strategies are an open set. The built-ins register themselves under the
// names "random", "round-robin", and "smart"; hosts may register their own
// factories before the broker is configured.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/balanced/kv"
)

// Strategy selects the next partition to serve for a queue.
type Strategy interface {
	// Name returns the registered name of the strategy.
	Name() string

	// Select returns the chosen partition, or ok=false when the queue has
	// no eligible partition.
	Select(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (partition string, ok bool, err error)
}

// Factory builds a strategy from its free-form settings bag.
type Factory func(settings map[string]any) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy factory available under the given name.
// Calling Register twice for one name replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New resolves a registered strategy by name. Unknown names fail fast.
func New(name string, settings map[string]any) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("balanced/strategy: %q not defined", name)
	}
	return f(settings)
}

func init() {
	Register("random", func(map[string]any) (Strategy, error) {
		return NewRandom(), nil
	})
	Register("round-robin", func(map[string]any) (Strategy, error) {
		return NewRoundRobin(), nil
	})
	Register("smart", func(settings map[string]any) (Strategy, error) {
		return NewSmart(SmartConfigFromSettings(settings)), nil
	})
}

// sortedMembers reads the partition set and sorts it for deterministic
// iteration.
func sortedMembers(ctx context.Context, store kv.KV, key string) ([]string, error) {
	members, err := store.SetMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// floatSetting reads a float from a settings bag, accepting ints too.
func floatSetting(settings map[string]any, key string, def float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// intSetting reads an int from a settings bag, accepting floats too.
func intSetting(settings map[string]any, key string, def int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// boolSetting reads a bool from a settings bag.
func boolSetting(settings map[string]any, key string, def bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return def
}
