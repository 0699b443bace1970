package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wsrpc/wsrpc/wire"
)

// loopSocket is an in-memory Socket that hands every frame it is asked
// to Send straight to a peer Conn's Parse, letting tests wire two Conns
// together without any real network.
type loopSocket struct {
	mu     sync.Mutex
	peer   *Conn
	closed bool
}

func (s *loopSocket) Send(ctx context.Context, data []byte, isText bool) error {
	s.mu.Lock()
	closed := s.closed
	peer := s.peer
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return peer.Parse(append([]byte(nil), data...), isText)
}

func (s *loopSocket) Close(code int, reason string) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func newLoopedConns(t *testing.T, serverHandler RequestHandler, clientResponses ResponseHandler) (*Conn, *Conn) {
	t.Helper()
	sockA := &loopSocket{}
	sockB := &loopSocket{}

	client := New(sockA, WithResponseHandler(clientResponses))
	server := New(sockB, WithRequestHandler(serverHandler))

	sockA.peer = server
	sockB.peer = client
	return client, server
}

func TestPingPong(t *testing.T) {
	client, server := newLoopedConns(t, func(ctx context.Context, req *wire.Request) {}, func(resp *wire.Response) {})
	_ = server

	alive := client.Ping(context.Background(), time.Second)
	require.True(t, alive)
}

func TestSendRequestReachesHandler(t *testing.T) {
	var got *wire.Request
	done := make(chan struct{})
	client, _ := newLoopedConns(t, func(ctx context.Context, req *wire.Request) {
		got = req
		close(done)
	}, func(resp *wire.Response) {})

	err := client.Send(context.Background(), &wire.Request{ID: 1, Method: "echo", Params: []any{"hi"}})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
	require.Equal(t, "echo", got.Method)
}

func TestResponseRoutedBack(t *testing.T) {
	var got *wire.Response
	done := make(chan struct{})
	client, server := newLoopedConns(t, func(ctx context.Context, req *wire.Request) {}, func(resp *wire.Response) {
		got = resp
		close(done)
	})

	err := server.Send(context.Background(), &wire.Response{ID: 7, Result: float64(42)})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("response handler never invoked")
	}
	require.Equal(t, wire.ID(7), got.ID)
}

func TestCloseRejectsFurtherPings(t *testing.T) {
	client, _ := newLoopedConns(t, func(ctx context.Context, req *wire.Request) {}, func(resp *wire.Response) {})
	require.NoError(t, client.Close(1000, nil))
	require.ErrorIs(t, client.CloseErr(), ErrClosed)

	alive := client.Ping(context.Background(), 50*time.Millisecond)
	require.False(t, alive)
}
