package balanced

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/limiter"
	"github.com/xraph/balanced/middleware"
	"github.com/xraph/balanced/strategy"
)

// Option configures a Broker.
type Option func(*Broker) error

// WithKV sets the backing store. Required.
func WithKV(store kv.KV) Option {
	return func(b *Broker) error {
		b.store = store
		return nil
	}
}

// WithPrefix namespaces every key the broker writes.
func WithPrefix(prefix string) Option {
	return func(b *Broker) error {
		b.keys = kv.NewKeys(prefix)
		return nil
	}
}

// WithStrategy sets the partition-selection strategy instance.
func WithStrategy(s strategy.Strategy) Option {
	return func(b *Broker) error {
		b.strategy = s
		return nil
	}
}

// WithLimiter sets the concurrency limiter instance.
func WithLimiter(l limiter.Limiter) Option {
	return func(b *Broker) error {
		b.limiter = l
		return nil
	}
}

// WithPartitionResolver sets the host's partition resolver callable.
func WithPartitionResolver(r PartitionResolver) Option {
	return func(b *Broker) error {
		b.resolver = r
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) error {
		b.logger = l
		return nil
	}
}

// WithClock overrides the wall clock. Tests use this to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) error {
		b.now = now
		return nil
	}
}

// WithEventEmitter registers a callback that receives broker lifecycle
// events after each committed operation.
func WithEventEmitter(e EventEmitter) Option {
	return func(b *Broker) error {
		b.emit = e
		return nil
	}
}

// WithMiddleware wraps every broker operation in the given middleware,
// outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *Broker) error {
		b.middleware = append(b.middleware, mws...)
		return nil
	}
}

// WithDequeueRate installs a client-side token-bucket gate on Pop for one
// queue: at most perSec pops per second with the given burst. Zero perSec
// removes the gate. This bounds how hard one worker process hammers the
// KV; the cross-process cap is still the limiter's job.
func WithDequeueRate(queue string, perSec float64, burst int) Option {
	return func(b *Broker) error {
		if perSec <= 0 {
			delete(b.rates, queue)
			return nil
		}
		if burst <= 0 {
			burst = 1
		}
		b.rates[queue] = rate.NewLimiter(rate.Limit(perSec), burst)
		return nil
	}
}

// WithDisabled gates the driver off: Push and Pop return ErrDisabled.
func WithDisabled() Option {
	return func(b *Broker) error {
		b.disabled = true
		return nil
	}
}
