package codec

import (
	"context"
	"errors"
)

// ErrSequenceDone is returned by Sequence.Next once the producer has
// called Sink.Close and every buffered item has been drained. It is
// the lazy-sequence analogue of io.EOF.
var ErrSequenceDone = errors.New("jsonrpc: sequence exhausted")

// Sequence is the consumer-facing half of a lazy sequence: a bounded,
// ordered, cancelable stream of values. The same type is used whether
// the sequence is locally produced (a handler returns one and the
// transport's outbound producer task drains it onto the wire) or
// remotely produced (the stream registry's reviver creates one and
// feeds it from incoming chunk frames).
type Sequence struct {
	items  chan item
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type item struct {
	v    any
	err  error
	done bool
}

// NewSequence creates a connected Sequence/Sink pair. buffer bounds how
// many produced-but-not-yet-consumed items may queue before Sink.Send
// blocks, giving the pair backpressure.
func NewSequence(buffer int) (*Sequence, *Sink) {
	ctx, cancel := context.WithCancelCause(context.Background())
	seq := &Sequence{
		items:  make(chan item, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	return seq, &Sink{seq: seq}
}

// Next blocks until the next item is available, the sequence is
// canceled (by either side), or ctx is done. Once the producer has
// finished normally (after all buffered items are drained), ok is false
// and err is ErrSequenceDone.
func (s *Sequence) Next(ctx context.Context) (v any, ok bool, err error) {
	select {
	case it, open := <-s.items:
		if !open {
			return nil, false, ErrSequenceDone
		}
		if it.done {
			return nil, false, ErrSequenceDone
		}
		if it.err != nil {
			return nil, false, it.err
		}
		return it.v, true, nil
	case <-s.ctx.Done():
		return nil, false, context.Cause(s.ctx)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Cancel is called by the consumer to discard the sequence before it
// is exhausted. It unblocks any pending Sink.Send with the given
// reason and causes subsequent Next calls to return reason.
func (s *Sequence) Cancel(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	s.cancel(reason)
}

// Canceled reports whether the consumer has called Cancel.
func (s *Sequence) Canceled() bool {
	return s.ctx.Err() != nil
}

// Done returns a channel closed when the sequence is canceled, letting
// a producer select on cancellation without calling Send.
func (s *Sequence) Done() <-chan struct{} { return s.ctx.Done() }

// CancelCause returns the reason passed to Cancel, or nil if the
// sequence has not been canceled.
func (s *Sequence) CancelCause() error { return context.Cause(s.ctx) }

// Sink is the producer-facing half of a Sequence.
type Sink struct {
	seq *Sequence
}

// Send delivers the next value. It blocks if the buffer is full, and
// returns the cancellation cause if the consumer canceled or ctx is
// done before the item could be queued.
func (k *Sink) Send(ctx context.Context, v any) error {
	select {
	case k.seq.items <- item{v: v}:
		return nil
	case <-k.seq.ctx.Done():
		return context.Cause(k.seq.ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals normal completion: done{id} on the wire, ErrSequenceDone
// to the local consumer.
func (k *Sink) Close() {
	select {
	case k.seq.items <- item{done: true}:
	case <-k.seq.ctx.Done():
	}
	close(k.seq.items)
}

// CloseWithError signals abnormal completion: error{id,error} on the
// wire, err to the local consumer.
func (k *Sink) CloseWithError(err error) {
	select {
	case k.seq.items <- item{err: err}:
	case <-k.seq.ctx.Done():
	}
	close(k.seq.items)
}
