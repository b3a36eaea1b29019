package strategy

import (
	"context"
	"strconv"
	"time"

	"github.com/xraph/balanced/kv"
)

// SmartConfig tunes the smart-fair scoring function.
type SmartConfig struct {
	// WeightWaitTime scales the seconds the partition's oldest job has
	// waited.
	WeightWaitTime float64

	// WeightQueueSize scales the inverted, normalized queue size, so
	// smaller backlogs score higher.
	WeightQueueSize float64

	// BoostSmallQueues enables the small-queue boost.
	BoostSmallQueues bool

	// SmallQueueThreshold is the queue length below which the boost
	// applies.
	SmallQueueThreshold int

	// BoostMultiplier scales the score of small queues.
	BoostMultiplier float64
}

// DefaultSmartConfig returns the default weights.
func DefaultSmartConfig() SmartConfig {
	return SmartConfig{
		WeightWaitTime:      0.6,
		WeightQueueSize:     0.4,
		BoostSmallQueues:    true,
		SmallQueueThreshold: 5,
		BoostMultiplier:     1.5,
	}
}

// SmartConfigFromSettings reads a free-form settings bag into a SmartConfig,
// falling back to the defaults for absent keys.
func SmartConfigFromSettings(settings map[string]any) SmartConfig {
	def := DefaultSmartConfig()
	return SmartConfig{
		WeightWaitTime:      floatSetting(settings, "weight_wait_time", def.WeightWaitTime),
		WeightQueueSize:     floatSetting(settings, "weight_queue_size", def.WeightQueueSize),
		BoostSmallQueues:    boolSetting(settings, "boost_small_queues", def.BoostSmallQueues),
		SmallQueueThreshold: intSetting(settings, "small_queue_threshold", def.SmallQueueThreshold),
		BoostMultiplier:     floatSetting(settings, "boost_multiplier", def.BoostMultiplier),
	}
}

// Smart scores every non-empty partition by how long its oldest job has
// waited and how small its backlog is, then serves the highest score.
// Small queues get a configurable boost so a tenant with two jobs is not
// shadowed by one with two thousand.
type Smart struct {
	cfg SmartConfig
	now func() time.Time
}

// NewSmart returns the smart-fair strategy with the given weights.
func NewSmart(cfg SmartConfig) *Smart {
	return &Smart{cfg: cfg, now: time.Now}
}

// Name implements Strategy.
func (*Smart) Name() string { return "smart" }

// Select implements Strategy.
func (s *Smart) Select(ctx context.Context, store kv.KV, keys kv.Keys, queue string) (string, bool, error) {
	members, err := store.SetMembers(ctx, keys.Partitions(queue))
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}

	sizes := make([]int64, len(members))
	var maxSize int64
	for i, k := range members {
		n, lenErr := store.ListLen(ctx, keys.Queue(queue, k))
		if lenErr != nil {
			return "", false, lenErr
		}
		sizes[i] = n
		if n > maxSize {
			maxSize = n
		}
	}
	if maxSize == 0 {
		return "", false, nil
	}

	nowSecs := s.now().Unix()
	var (
		best      string
		bestScore float64
		found     bool
	)
	// The order SetMembers returns breaks ties: a later partition must
	// strictly beat the current best to replace it.
	for i, k := range members {
		size := sizes[i]
		if size == 0 {
			continue
		}

		var waitSecs float64
		if ts, ok, getErr := store.HashGet(ctx, keys.Metrics(queue, k), kv.FieldFirstJobTime); getErr != nil {
			return "", false, getErr
		} else if ok {
			if first, parseErr := strconv.ParseInt(ts, 10, 64); parseErr == nil && nowSecs > first {
				waitSecs = float64(nowSecs - first)
			}
		}

		normalizedSize := 1 - float64(size)/float64(maxSize)
		score := waitSecs*s.cfg.WeightWaitTime + normalizedSize*100*s.cfg.WeightQueueSize
		if s.cfg.BoostSmallQueues && size < int64(s.cfg.SmallQueueThreshold) {
			score *= s.cfg.BoostMultiplier
		}

		if !found || score > bestScore {
			best, bestScore, found = k, score, true
		}
	}
	return best, found, nil
}
