package server

import (
	"context"
	"sync"

	"github.com/wsrpc/wsrpc/codec"
)

// Channel is the §GLOSSARY "Channel": a server-side helper producing
// one lazy sequence per subscriber with a shared Push broadcast,
// matching end-to-end scenario 4's getRangeChannel. Each subscriber
// gets its own bounded buffer; Push blocks on a slow subscriber rather
// than dropping items, for backpressure.
type Channel[T any] struct {
	buffer int

	mu   sync.Mutex
	subs map[*codec.Sink]struct{}
}

// NewChannel builds an empty Channel. buffer bounds how far a
// subscriber may lag before Push blocks on it.
func NewChannel[T any](buffer int) *Channel[T] {
	if buffer <= 0 {
		buffer = 8
	}
	return &Channel[T]{buffer: buffer, subs: make(map[*codec.Sink]struct{})}
}

// Subscribe registers a new subscriber and returns the Sequence that
// should be handed back as the RPC's streaming result. onSubscribe, if
// non-nil, is invoked synchronously with the subscriber count
// (including this one) and its return value, when ok is true, is
// pushed to this subscriber alone before anything broadcast by Push.
func (c *Channel[T]) Subscribe(ctx context.Context, onSubscribe func(count int) (T, bool)) *codec.Sequence {
	seq, sink := codec.NewSequence(c.buffer)
	c.mu.Lock()
	c.subs[sink] = struct{}{}
	count := len(c.subs)
	c.mu.Unlock()

	if onSubscribe != nil {
		if v, ok := onSubscribe(count); ok {
			_ = sink.Send(ctx, v)
		}
	}
	go c.watchUnsubscribe(seq, sink)
	return seq
}

func (c *Channel[T]) watchUnsubscribe(seq *codec.Sequence, sink *codec.Sink) {
	<-seq.Done()
	c.mu.Lock()
	delete(c.subs, sink)
	c.mu.Unlock()
}

// Push broadcasts v to every currently live subscriber.
func (c *Channel[T]) Push(ctx context.Context, v T) {
	c.mu.Lock()
	sinks := make([]*codec.Sink, 0, len(c.subs))
	for s := range c.subs {
		sinks = append(sinks, s)
	}
	c.mu.Unlock()
	for _, s := range sinks {
		_ = s.Send(ctx, v)
	}
}

// CloseAll ends every live subscriber's sequence normally.
func (c *Channel[T]) CloseAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[*codec.Sink]struct{})
	c.mu.Unlock()
	for s := range subs {
		s.Close()
	}
}
