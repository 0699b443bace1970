// Package server implements the per-socket connection handler of §4.6:
// a method table dispatching incoming calls, liveness enforcement that
// mirrors the client's active pinger, and typed per-connection context
// storage (§9, realized in context.go) in place of the source's
// process-wide globals.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/transport"
	"github.com/wsrpc/wsrpc/wire"
	"github.com/wsrpc/wsrpc/wsadapter"
)

// Handler implements one RPC method. The returned value is either a
// plain result (including Void for methods with nothing meaningful to
// return), a *codec.Sequence for a streaming result, or an error.
type Handler func(ctx context.Context, params []any) (any, error)

// Middleware wraps a Handler to add cross-cutting behavior (context
// enrichment, counters, auth checks) before delegating.
type Middleware func(Handler) Handler

// Void is the result a handler returns when it has nothing meaningful
// to send back; it encodes as an empty object, the "absence value"
// void calls use on the wire (§8 scenario 2).
var Void = map[string]any{}

// ErrConnectionClosed is the close reason wrapped onto every inbound
// stream and outbound producer when the peer closes the socket (a
// parse error closes with the parse error itself), mirroring the
// client package's sentinel of the same name so the two sides of a
// connection report teardown consistently.
var ErrConnectionClosed = errors.New("server: connection closed")

// ErrUnknownMethod is wrapped with the method name and sent back to
// the caller verbatim (§4.6 step 1 — unknown methods are not hidden
// from the client the way arbitrary handler errors are).
var ErrUnknownMethod = errors.New("Unknown method")

var errStaleConnection = errors.New("server: connection unresponsive to ping")

// RPCClientError marks an error whose message is safe to surface to
// the remote caller verbatim (§4.6 step 4). Any other handler error is
// reported to the server's error sink and the caller only sees a
// generic failure (step 5) — the server never leaks internal causes.
type RPCClientError struct{ msg string }

// NewRPCClientError builds an error safe to show callers.
func NewRPCClientError(msg string) *RPCClientError { return &RPCClientError{msg: msg} }

func (e *RPCClientError) Error() string { return e.msg }

// Config enumerates the server options of §6.
type Config struct {
	Transforms []codec.Transform

	PingTimeout time.Duration
	PongTimeout time.Duration

	OnError func(error)

	Logger   *logrus.Entry
	Upgrader *wsadapter.Upgrader
}

func (c *Config) setDefaults() {
	if c.PingTimeout == 0 {
		c.PingTimeout = 60 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = time.Second
	}
	if c.OnError == nil {
		c.OnError = func(err error) { logrus.StandardLogger().WithError(err).Error("wsrpc server error") }
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Upgrader == nil {
		c.Upgrader = wsadapter.NewUpgrader()
	}
}

// Server holds the method table shared by every accepted connection.
type Server struct {
	cfg Config

	mu         sync.Mutex
	methods    map[string]Handler
	middleware []Middleware
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg, methods: make(map[string]Handler)}
}

// Handle registers h under method. Calling Handle for an
// already-registered method replaces it.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

// Use appends mw to the middleware chain applied to every dispatched
// call, in registration order (the first registered runs outermost).
func (s *Server) Use(mw Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw)
}

func (s *Server) callHandler(ctx context.Context, method string, params []any) (any, error) {
	s.mu.Lock()
	h, ok := s.methods[method]
	mws := append([]Middleware(nil), s.middleware...)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h(ctx, params)
}

// Connection is one accepted socket: its own transport, its own
// liveness loop, and its own base context that handler invocations for
// this socket derive from (§9's context-reader mechanism hangs values
// off this context rather than a process-wide table).
type Connection struct {
	server  *Server
	conn    *transport.Conn
	baseCtx context.Context
}

// Closed returns a channel closed once this connection's transport
// terminates.
func (c *Connection) Closed() <-chan struct{} { return c.conn.Closed() }

// Close tears this one connection down, e.g. to simulate the server
// dropping a specific client.
func (c *Connection) Close(code int, reason error) error { return c.conn.Close(code, reason) }

// HandleUpgrade completes a WebSocket handshake on r and starts serving
// RPC calls over it, deriving every dispatched handler's context from
// baseCtx (pass context.Background() for no preset state, or a context
// built with ContextKey.With to seed per-connection values as scenario
// 3's preset context demonstrates).
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request, baseCtx context.Context) (*Connection, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	c := &Connection{server: s, baseCtx: baseCtx}

	var tconn *transport.Conn
	handlers := transport.SocketHandlers{
		OnMessage: func(data []byte, isText bool) {
			if err := tconn.Parse(data, isText); err != nil {
				s.cfg.OnError(err)
				_ = tconn.Close(1002, err)
			}
		},
		OnClose: func(code int, reason string) {
			_ = tconn.Close(code, fmt.Errorf("%w: socket closed: %s", ErrConnectionClosed, reason))
		},
	}
	socket, err := s.cfg.Upgrader.Upgrade(w, r, handlers)
	if err != nil {
		return nil, err
	}
	tconn = transport.New(socket,
		transport.WithRequestHandler(c.dispatch),
		transport.WithTransforms(s.cfg.Transforms...),
		transport.WithLogger(s.cfg.Logger),
	)
	c.conn = tconn
	go c.livenessLoop()
	return c, nil
}

// Accept wires an already-connected socket to a new per-connection
// dispatcher. Unlike HandleUpgrade it has no HTTP handshake to
// perform, so it suits adapters obtained another way (a non-HTTP
// listener, the in-memory transporttest adapter, or a Socket already
// wired to forward writes straight into this connection's Parse).
func (s *Server) Accept(socket transport.Socket, baseCtx context.Context) *Connection {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	c := &Connection{server: s, baseCtx: baseCtx}
	c.conn = transport.New(socket,
		transport.WithRequestHandler(c.dispatch),
		transport.WithTransforms(s.cfg.Transforms...),
		transport.WithLogger(s.cfg.Logger),
	)
	go c.livenessLoop()
	return c
}

// AcceptFromAdapter dials url through adapter and wires the resulting
// socket into a new connection, the non-HTTP counterpart to
// HandleUpgrade for Adapters that don't go through an HTTP upgrade (a
// raw listener-backed Adapter, or the in-memory transporttest.Adapter
// test tooling uses).
func (s *Server) AcceptFromAdapter(ctx context.Context, adapter transport.Adapter, url string, baseCtx context.Context) (*Connection, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	c := &Connection{server: s, baseCtx: baseCtx}

	var tconn *transport.Conn
	handlers := transport.SocketHandlers{
		OnMessage: func(data []byte, isText bool) {
			if err := tconn.Parse(data, isText); err != nil {
				s.cfg.OnError(err)
				_ = tconn.Close(1002, err)
			}
		},
		OnClose: func(code int, reason string) {
			_ = tconn.Close(code, fmt.Errorf("%w: socket closed: %s", ErrConnectionClosed, reason))
		},
	}
	socket, err := adapter.Connect(ctx, url, handlers)
	if err != nil {
		return nil, err
	}
	tconn = transport.New(socket,
		transport.WithRequestHandler(c.dispatch),
		transport.WithTransforms(s.cfg.Transforms...),
		transport.WithLogger(s.cfg.Logger),
	)
	c.conn = tconn
	go c.livenessLoop()
	return c, nil
}

func (c *Connection) dispatch(ctx context.Context, req *wire.Request) {
	go func() {
		result, err := c.server.callHandler(c.baseCtx, req.Method, req.Params)
		resp := &wire.Response{ID: req.ID}
		switch {
		case err == nil:
			resp.Result = result
		case errors.Is(err, ErrUnknownMethod):
			resp.Error = &wire.ErrorValue{Message: err.Error()}
		default:
			var clientErr *RPCClientError
			if errors.As(err, &clientErr) {
				resp.Error = &wire.ErrorValue{Message: clientErr.Error()}
			} else {
				c.server.cfg.OnError(err)
				resp.Error = &wire.ErrorValue{Generic: true}
			}
		}
		if sendErr := c.conn.Send(context.Background(), resp); sendErr != nil {
			c.server.cfg.OnError(sendErr)
		}
	}()
}

// livenessLoop is the mirror of the client's active pinger (§4.6): it
// wakes when pingTimeout has elapsed since the last inbound message,
// pings, and closes the socket if no traffic follows within
// pongTimeout.
func (c *Connection) livenessLoop() {
	for {
		idle := c.server.cfg.PingTimeout - c.conn.TimeSinceLastMessage()
		if idle > 0 {
			select {
			case <-time.After(idle):
				continue
			case <-c.conn.Closed():
				return
			}
		}
		if !c.conn.Ping(context.Background(), c.server.cfg.PongTimeout) {
			_ = c.conn.Close(1001, errStaleConnection)
			return
		}
	}
}
