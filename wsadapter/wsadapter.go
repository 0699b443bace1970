// Package wsadapter is the default transport.Adapter, backed by
// gorilla/websocket (an indirect dependency of both rclone and
// docker-compose in this codebase's lineage, promoted here to direct
// use since it is exactly the WebSocket client the Adapter contract
// describes). It is intentionally the thinnest possible bridge: dial,
// read loop, write, close.
package wsadapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wsrpc/wsrpc/transport"
)

// Adapter is the default transport.Adapter implementation.
type Adapter struct {
	dialer *websocket.Dialer
}

// New builds an Adapter with gorilla's default dialer settings plus a
// handshake timeout in line with the rest of the stack's short-timeout
// conventions.
func New() *Adapter {
	return &Adapter{dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

// WithDialer overrides the underlying gorilla dialer (TLS config,
// proxy, subprotocols, custom headers).
func WithDialer(d *websocket.Dialer) *Adapter {
	return &Adapter{dialer: d}
}

// Connect implements transport.Adapter.
func (a *Adapter) Connect(ctx context.Context, url string, handlers transport.SocketHandlers) (transport.Socket, error) {
	conn, _, err := a.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	s := &socket{conn: conn}
	go s.readLoop(handlers)
	return s, nil
}

type socket struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *socket) Send(ctx context.Context, data []byte, isText bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	msgType := websocket.BinaryMessage
	if isText {
		msgType = websocket.TextMessage
	}
	return s.conn.WriteMessage(msgType, data)
}

func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return s.conn.Close()
}

// readLoop delivers every inbound frame to handlers.OnMessage, and
// fires handlers.OnClose exactly once when the connection ends for any
// reason — a read error, a close frame from the peer, or this side
// closing the socket itself.
func (s *socket) readLoop(handlers transport.SocketHandlers) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			if handlers.OnClose != nil {
				handlers.OnClose(code, reason)
			}
			return
		}
		if handlers.OnMessage != nil {
			handlers.OnMessage(data, msgType == websocket.TextMessage)
		}
	}
}
