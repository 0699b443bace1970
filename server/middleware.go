package server

import (
	"context"
	"sync/atomic"
)

// Counter is a per-connection call counter matching end-to-end
// scenario 5 (three successive calls to a method reading it return 1,
// 2, 3). It is a pointer value stored once on a connection's base
// context, so mutating it is visible across every call on that
// connection without needing the context itself to change.
type Counter struct{ n int64 }

// Value returns the counter's current count.
func (c *Counter) Value() int { return int(atomic.LoadInt64(&c.n)) }

func (c *Counter) increment() int { return int(atomic.AddInt64(&c.n, 1)) }

// CounterKey is the accessor CounterMiddleware and ReadCounter share.
var CounterKey = NewContextKey[*Counter]("call-counter")

// WithCounter seeds ctx with a fresh Counter. Pass the result as a
// connection's baseCtx (see Server.HandleUpgrade) to make
// CounterMiddleware and ReadCounter usable on that connection.
func WithCounter(ctx context.Context) context.Context {
	return CounterKey.With(ctx, &Counter{})
}

// CounterMiddleware increments the connection's Counter before every
// call it wraps. Connections whose baseCtx was not seeded with
// WithCounter see it as a no-op.
func CounterMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, params []any) (any, error) {
			if c, ok := CounterKey.Get(ctx); ok {
				c.increment()
			}
			return next(ctx, params)
		}
	}
}

// ReadCounter reads the current count, for handlers like
// readMwCounterCtx in scenario 5.
func ReadCounter(ctx context.Context) int {
	if c, ok := CounterKey.Get(ctx); ok {
		return c.Value()
	}
	return 0
}
