// Package transporttest is the in-memory transport.Adapter the test
// suite uses as its "cooperative byte-oriented full-duplex channel"
// (§1.1's ambient test-tooling stack) so client/server scenario tests
// never open a real socket.
package transporttest

import (
	"context"
	"sync"

	"github.com/wsrpc/wsrpc/transport"
)

// Pipe is a pair of connected in-memory sockets.
type Pipe struct {
	A transport.Socket
	B transport.Socket
}

// NewPipe builds two sockets, each delivering what is sent on one side
// to the other's handlers. handlersA/handlersB are the
// transport.SocketHandlers each side should be wired to.
func NewPipe(handlersA, handlersB transport.SocketHandlers) *Pipe {
	sockA := &socket{}
	sockB := &socket{}
	sockA.peerHandlers = handlersB
	sockB.peerHandlers = handlersA
	sockA.peer = sockB
	sockB.peer = sockA
	return &Pipe{A: sockA, B: sockB}
}

type socket struct {
	mu           sync.Mutex
	closed       bool
	peer         *socket
	peerHandlers transport.SocketHandlers
}

func (s *socket) Send(ctx context.Context, data []byte, isText bool) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if s.peerHandlers.OnMessage != nil {
		s.peerHandlers.OnMessage(append([]byte(nil), data...), isText)
	}
	return nil
}

func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.peerHandlers.OnClose != nil {
		s.peerHandlers.OnClose(code, reason)
	}
	return nil
}

// Adapter is a transport.Adapter whose Connect returns one end of a
// Pipe, looping every Send back into the other end's handlers. It is
// meant for tests that want to drive two client.Client/server.Server
// instances against each other without a network.
type Adapter struct {
	mu      sync.Mutex
	waiting []pendingDial
}

type pendingDial struct {
	handlers transport.SocketHandlers
	result   chan dialResult
}

type dialResult struct {
	socket transport.Socket
}

// New builds an empty Adapter. Exactly two calls to Connect (in any
// order, from any goroutine) pair up and return connected ends of a
// Pipe; a third call waits for a fourth, and so on.
func New() *Adapter {
	return &Adapter{}
}

// Connect implements transport.Adapter. url is ignored; every caller
// of a given Adapter instance is considered to be dialing the same
// peer.
func (a *Adapter) Connect(ctx context.Context, url string, handlers transport.SocketHandlers) (transport.Socket, error) {
	a.mu.Lock()
	if len(a.waiting) > 0 {
		other := a.waiting[0]
		a.waiting = a.waiting[1:]
		a.mu.Unlock()

		pipe := NewPipe(other.handlers, handlers)
		other.result <- dialResult{socket: pipe.A}
		return pipe.B, nil
	}
	wait := pendingDial{handlers: handlers, result: make(chan dialResult, 1)}
	a.waiting = append(a.waiting, wait)
	a.mu.Unlock()

	select {
	case res := <-wait.result:
		return res.socket, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
