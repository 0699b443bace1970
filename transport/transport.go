// Package transport is the stateful engine tying the codec and the
// stream registry to a byte-oriented socket (§2 item 3 / §4 of the
// design). It owns serialization of outgoing messages, parsing of
// incoming ones, the single-writer socket discipline the chunk
// protocol's atomicity requirement depends on, and liveness
// bookkeeping (ping/pong, timeSinceLastMessage).
//
// Conn is deliberately bidirectional and symmetric: it does not know
// whether it is the client or server end. Correlating an outgoing call
// with its response
// (request id allocation, the pending-query table) is layered on top
// by package client; dispatching an incoming call to a method table is
// layered on top by package server. Conn itself only recognizes the
// two message shapes and a stream control frame, and calls back out.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/stream"
	"github.com/wsrpc/wsrpc/wire"
)

// RequestHandler dispatches an incoming call. It is invoked from
// whichever goroutine called Parse; callers that want concurrent
// dispatch should hand off to their own goroutine pool (package server
// does this).
type RequestHandler func(ctx context.Context, req *wire.Request)

// ResponseHandler routes an incoming response back to whoever is
// waiting for it. Package client installs this to resolve its
// pending-query table.
type ResponseHandler func(resp *wire.Response)

// Conn is one transport instance, bound to one socket for its entire
// lifetime. A new socket (including a reconnect) always gets a new
// Conn.
type Conn struct {
	socket   Socket
	codec    *codec.Codec
	registry *stream.Registry
	log      *logrus.Entry

	onRequest  RequestHandler
	onResponse ResponseHandler

	userTransforms []codec.Transform

	writeMu sync.Mutex

	lastMsgNano atomic.Int64

	pongMu  sync.Mutex
	pongCh  chan struct{}
	pongGen uint64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithRequestHandler installs the callback invoked for each incoming
// call. Required on the server side; a client transport that never
// expects calls from its peer can leave this unset, in which case an
// incoming call makes Parse return a *ProtocolError.
func WithRequestHandler(h RequestHandler) Option {
	return func(c *Conn) { c.onRequest = h }
}

// WithResponseHandler installs the callback invoked for each incoming
// response. Required on the client side.
func WithResponseHandler(h ResponseHandler) Option {
	return func(c *Conn) { c.onResponse = h }
}

// WithLogger overrides the default (stderr, Info level) logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Conn) { c.log = log }
}

// WithTransforms registers user reducer/reviver pairs in addition to
// the built-in LazyStream tag.
func WithTransforms(transforms ...codec.Transform) Option {
	return func(c *Conn) { c.userTransforms = transforms }
}

// New creates a Conn bound to socket. Call Close when the socket
// terminates to release pending streams; there is no separate Run
// method because the adapter delivers inbound frames by invoking Parse
// directly (a push, not a pull, model — see transport.Adapter).
func New(socket Socket, opts ...Option) *Conn {
	c := &Conn{
		socket: socket,
		closed: make(chan struct{}),
		log:    defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = stream.NewRegistry(c)
	c.codec = codec.New(c.registry, c.userTransforms...)
	c.registry.SetCodec(c.codec)
	c.lastMsgNano.Store(time.Now().UnixNano())
	return c
}

func defaultLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return logrus.NewEntry(l)
}

// Codec exposes the transport's codec so callers can Encode/Decode
// method parameters and results with the same reducer/reviver set.
func (c *Conn) Codec() *codec.Codec { return c.codec }

// Closed returns a channel closed once Close has run.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// CloseErr returns the reason passed to Close, once closed.
func (c *Conn) CloseErr() error { return c.closeErr }

// TimeSinceLastMessage reports how long it has been since any frame
// (including ping/pong) was last parsed from the socket.
func (c *Conn) TimeSinceLastMessage() time.Duration {
	last := time.Unix(0, c.lastMsgNano.Load())
	return time.Since(last)
}

// Send serializes msg (*wire.Request or *wire.Response) and writes it
// as a text frame. If msg carries a lazy stream, its producer is only
// started once this write has returned, so the peer always parses the
// id-bearing message before the first chunk for it can arrive.
func (c *Conn) Send(ctx context.Context, msg any) error {
	data, starts, err := c.codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	err = c.writeText(ctx, data)
	for _, start := range starts {
		start()
	}
	return err
}

func (c *Conn) writeText(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.Send(ctx, data, true)
}

// SendStreamFrame implements stream.FrameSink.
func (c *Conn) SendStreamFrame(ctx context.Context, sf wire.StreamFrame) error {
	data, err := json.Marshal(sf)
	if err != nil {
		return err
	}
	return c.writeText(ctx, data)
}

// SendChunkWithRaw implements stream.FrameSink, holding the write lock
// across both frames so nothing else can interleave between them.
func (c *Conn) SendChunkWithRaw(ctx context.Context, sf wire.StreamFrame, raw []byte, isText bool) error {
	data, err := json.Marshal(sf)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.socket.Send(ctx, data, true); err != nil {
		return err
	}
	return c.socket.Send(ctx, raw, isText)
}

// Ping sends a ping control frame and waits up to timeout for the
// matching pong, returning whether it arrived. It is the building
// block both client.Client's periodic pinger and server.Server's
// liveness timer use.
func (c *Conn) Ping(ctx context.Context, timeout time.Duration) (alive bool) {
	c.pongMu.Lock()
	ch := make(chan struct{}, 1)
	c.pongCh = ch
	c.pongGen++
	c.pongMu.Unlock()

	if err := c.writeControl(ctx, wire.Ping); err != nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-c.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) writeControl(ctx context.Context, ctrl wire.Control) error {
	data, err := json.Marshal(string(ctrl))
	if err != nil {
		return err
	}
	return c.writeText(ctx, data)
}

// Parse is called by the adapter (or in tests, directly) for every
// inbound frame. Text frames are sniffed as control/stream/message;
// binary frames are always raw stream payloads.
func (c *Conn) Parse(data []byte, isText bool) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.lastMsgNano.Store(time.Now().UnixNano())
	if !isText {
		return c.registry.HandleRaw(data, false)
	}
	f, err := wire.Sniff(data)
	if err != nil {
		return &ProtocolError{Cause: err}
	}
	switch f.Kind {
	case wire.KindControl:
		return c.handleControl(f.Control)
	case wire.KindStream:
		if err := c.registry.HandleFrame(f.Stream); err != nil {
			return &ProtocolError{Cause: err}
		}
		return nil
	case wire.KindMessage:
		return c.handleMessage(f.Message)
	default:
		return &ProtocolError{Cause: fmt.Errorf("unhandled frame kind")}
	}
}

func (c *Conn) handleControl(ctrl wire.Control) error {
	switch ctrl {
	case wire.Pong:
		c.pongMu.Lock()
		if c.pongCh != nil {
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		}
		c.pongMu.Unlock()
		return nil
	case wire.Ping:
		return c.writeControl(context.Background(), wire.Pong)
	default:
		return &ProtocolError{Cause: fmt.Errorf("unknown control %q", ctrl)}
	}
}

func (c *Conn) handleMessage(raw json.RawMessage) error {
	msg, err := c.codec.DecodeMessage(raw)
	if err != nil {
		return &ProtocolError{Cause: err}
	}
	switch m := msg.(type) {
	case *wire.Request:
		if c.onRequest == nil {
			return &ProtocolError{Cause: fmt.Errorf("received call but no request handler is installed")}
		}
		c.onRequest(context.Background(), m)
		return nil
	case *wire.Response:
		if c.onResponse == nil {
			c.log.Warnf("received response for id %s but no response handler is installed", m.ID)
			return nil
		}
		c.onResponse(m)
		return nil
	default:
		return &ProtocolError{Cause: fmt.Errorf("decoded message has unexpected type %T", msg)}
	}
}

// Close tears the transport down: refuses further sends/parses,
// errors every inbound stream sink, fires every outbound stream's
// cancel handle with reason, and closes the underlying socket.
func (c *Conn) Close(code int, reason error) error {
	var err error
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrClosed
		}
		c.closeErr = reason
		c.registry.CloseAll(reason)
		err = c.socket.Close(code, reason.Error())
		close(c.closed)
	})
	return err
}
