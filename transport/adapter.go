package transport

import "context"

// Socket is the handle an Adapter hands back once connected. It is the
// only thing Conn needs of the underlying full-duplex channel.
type Socket interface {
	// Send transmits one frame. isText distinguishes a UTF-8 text
	// frame (JSON messages, control sentinels) from a binary frame
	// (raw stream payloads).
	Send(ctx context.Context, data []byte, isText bool) error
	// Close closes the socket with the given close code and reason,
	// per §6's close-code table.
	Close(code int, reason string) error
}

// SocketHandlers are the push-based callbacks an Adapter invokes as
// frames and the close event arrive.
type SocketHandlers struct {
	// OnMessage is invoked once per inbound frame, text or binary.
	OnMessage func(data []byte, isText bool)
	// OnClose is invoked exactly once when the socket terminates, for
	// any reason (remote close, network error, or a local Close call).
	OnClose func(code int, reason string)
}

// Adapter is the pluggable socket provider (§6's "Adapter contract").
// The transport and the client/server packages are agnostic to what
// actually carries the bytes; package wsadapter supplies the default
// WebSocket-backed implementation.
type Adapter interface {
	// Connect opens a socket to url, honoring ctx for cancellation
	// before and during the handshake.
	Connect(ctx context.Context, url string, handlers SocketHandlers) (Socket, error)
}
