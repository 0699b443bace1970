package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/wsrpc/wsrpc/codec"
)

// Observer receives one item from a subscribed stream.
type Observer func(v any) error

// SubscribeOptions configures Subscribe.
type SubscribeOptions struct {
	// OnError receives errors the observer itself returns; they do not
	// terminate the subscription.
	OnError func(error)
}

// Subscribe calls method, expects a lazy sequence back, and delivers
// every item to observer until the sequence is exhausted or ctx is
// canceled. If the transport dies mid-stream (the sequence's Next
// returns ErrConnectionClosed), it re-issues the same call with the
// same arguments and resumes delivering to the same observer — the one
// automatic re-issue in the design (§4.4). An external ctx cancellation
// sends a stream cancel frame and returns ctx.Err().
func (c *Client) Subscribe(ctx context.Context, method string, params []any, observer Observer, opts SubscribeOptions) error {
	for {
		result, err := c.Call(ctx, method, params)
		if err != nil {
			return err
		}
		seq, ok := result.(*codec.Sequence)
		if !ok {
			return fmt.Errorf("client: method %q did not return a stream", method)
		}

		err = drain(ctx, seq, observer, opts)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConnectionClosed) {
			continue
		}
		return err
	}
}

func drain(ctx context.Context, seq *codec.Sequence, observer Observer, opts SubscribeOptions) error {
	for {
		v, ok, err := seq.Next(ctx)
		if !ok {
			if err == nil || errors.Is(err, codec.ErrSequenceDone) {
				return nil
			}
			if ctx.Err() != nil {
				seq.Cancel(ctx.Err())
			}
			return err
		}
		if oerr := observer(v); oerr != nil && opts.OnError != nil {
			opts.OnError(oerr)
		}
	}
}
