package wsadapter

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wsrpc/wsrpc/transport"
)

// Upgrader wraps gorilla's websocket.Upgrader for the server side of
// the handshake; the HTTP upgrade itself is explicitly out of the
// core's scope (§1), but a minimal usable default lives here since the
// rest of the stack needs something to drive cmd/echoserver.
type Upgrader struct {
	up websocket.Upgrader
}

// NewUpgrader builds an Upgrader that accepts any origin, a permissive
// default suited to local development.
func NewUpgrader() *Upgrader {
	return &Upgrader{up: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
}

// Upgrade completes the WebSocket handshake and returns a
// transport.Socket wired to handlers, the server-side mirror of
// Adapter.Connect.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, handlers transport.SocketHandlers) (transport.Socket, error) {
	conn, err := u.up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	s := &socket{conn: conn}
	go s.readLoop(handlers)
	return s, nil
}
