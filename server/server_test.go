package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/transport"
	"github.com/wsrpc/wsrpc/wire"
)

// loopSocket forwards every Send straight into a peer transport.Conn's
// Parse, the same in-process double transport's own tests use, letting
// server tests dispatch calls without any real socket or HTTP upgrade.
type loopSocket struct {
	mu   sync.Mutex
	peer *transport.Conn
}

func (s *loopSocket) Send(ctx context.Context, data []byte, isText bool) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	return peer.Parse(append([]byte(nil), data...), isText)
}

func (s *loopSocket) Close(code int, reason string) error { return nil }

// clientHalf is a minimal stand-in for package client good enough to
// drive a server.Connection in tests: it allocates request ids, sends
// a wire.Request, and resolves a one-shot channel when the matching
// wire.Response arrives.
type clientHalf struct {
	conn *transport.Conn

	mu      sync.Mutex
	nextID  wire.ID
	pending map[wire.ID]chan *wire.Response
}

func newClientHalf() *clientHalf {
	return &clientHalf{pending: make(map[wire.ID]chan *wire.Response)}
}

func (c *clientHalf) onResponse(resp *wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *clientHalf) call(t *testing.T, method string, params []any) *wire.Response {
	t.Helper()
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *wire.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	require.NoError(t, c.conn.Send(context.Background(), &wire.Request{ID: id, Method: method, Params: params}))
	select {
	case resp := <-ch:
		return resp
	case <-time.After(time.Second):
		t.Fatal("no response received")
		return nil
	}
}

// newServedPair builds a server.Connection and a clientHalf wired
// together over in-process loop sockets.
func newServedPair(t *testing.T, srv *Server, baseCtx context.Context) (*clientHalf, *Connection) {
	t.Helper()
	clientSock := &loopSocket{}
	serverSock := &loopSocket{}

	ch := newClientHalf()
	ch.conn = transport.New(clientSock, transport.WithResponseHandler(ch.onResponse))
	conn := srv.Accept(serverSock, baseCtx)

	clientSock.peer = conn.conn
	serverSock.peer = ch.conn
	return ch, conn
}

func TestDispatchSimpleCall(t *testing.T) {
	srv := New(Config{})
	srv.Handle("add", func(ctx context.Context, params []any) (any, error) {
		a, _ := params[0].(float64)
		b, _ := params[1].(float64)
		return a + b, nil
	})
	ch, _ := newServedPair(t, srv, context.Background())

	resp := ch.call(t, "add", []any{float64(123), float64(456)})
	require.Nil(t, resp.Error)
	require.Equal(t, float64(579), resp.Result)
}

func TestDispatchVoidAndNull(t *testing.T) {
	srv := New(Config{})
	srv.Handle("nullReturn", func(ctx context.Context, params []any) (any, error) { return nil, nil })
	srv.Handle("voidReturn", func(ctx context.Context, params []any) (any, error) { return Void, nil })
	ch, _ := newServedPair(t, srv, context.Background())

	resp := ch.call(t, "nullReturn", nil)
	require.Nil(t, resp.Error)
	require.Nil(t, resp.Result)

	resp = ch.call(t, "voidReturn", nil)
	require.Nil(t, resp.Error)
	require.Equal(t, map[string]any{}, resp.Result)
}

func TestDispatchUnknownMethod(t *testing.T) {
	srv := New(Config{})
	ch, _ := newServedPair(t, srv, context.Background())

	resp := ch.call(t, "missing", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, "Unknown method: missing", resp.Error.Message)
}

func TestDispatchRPCClientErrorSurfacesMessage(t *testing.T) {
	srv := New(Config{})
	srv.Handle("boom", func(ctx context.Context, params []any) (any, error) {
		return nil, NewRPCClientError("bad input")
	})
	ch, _ := newServedPair(t, srv, context.Background())

	resp := ch.call(t, "boom", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, "bad input", resp.Error.Message)
}

func TestDispatchGenericErrorIsHidden(t *testing.T) {
	var reported error
	srv := New(Config{OnError: func(err error) { reported = err }})
	srv.Handle("boom", func(ctx context.Context, params []any) (any, error) {
		return nil, errors.New("leaked internals")
	})
	ch, _ := newServedPair(t, srv, context.Background())

	resp := ch.call(t, "boom", nil)
	require.NotNil(t, resp.Error)
	require.True(t, resp.Error.Generic)
	require.ErrorContains(t, reported, "leaked internals")
}

func TestMiddlewareCounter(t *testing.T) {
	srv := New(Config{})
	srv.Use(CounterMiddleware())
	srv.Handle("readMwCounterCtx", func(ctx context.Context, params []any) (any, error) {
		return float64(ReadCounter(ctx)), nil
	})
	ch, _ := newServedPair(t, srv, WithCounter(context.Background()))

	require.Equal(t, float64(1), ch.call(t, "readMwCounterCtx", nil).Result)
	require.Equal(t, float64(2), ch.call(t, "readMwCounterCtx", nil).Result)
	require.Equal(t, float64(3), ch.call(t, "readMwCounterCtx", nil).Result)
}

func TestDispatchFiniteStreamWithPresetContext(t *testing.T) {
	presetKey := NewContextKey[int]("preset")
	srv := New(Config{})
	srv.Handle("list", func(ctx context.Context, params []any) (any, error) {
		a, _ := params[0].(float64)
		preset, _ := presetKey.Get(ctx)
		seq, sink := codec.NewSequence(8)
		go func() {
			for i := 0; i < 4; i++ {
				_ = sink.Send(context.Background(), a+float64(i))
			}
			_ = sink.Send(context.Background(), float64(preset))
			sink.Close()
		}()
		return seq, nil
	})
	ch, _ := newServedPair(t, srv, presetKey.With(context.Background(), 100))

	resp := ch.call(t, "list", []any{float64(10)})
	require.Nil(t, resp.Error)
	seq, ok := resp.Result.(*codec.Sequence)
	require.True(t, ok)

	var got []any
	for {
		v, ok, err := seq.Next(context.Background())
		if !ok {
			require.ErrorIs(t, err, codec.ErrSequenceDone)
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []any{float64(10), float64(11), float64(12), float64(13), float64(100)}, got)
}
