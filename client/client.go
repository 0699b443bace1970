// Package client implements the client connection manager of §4.4: it
// owns a transport across reconnects, queues outbound requests while
// disconnected, drives a periodic liveness ping, and exposes call and
// subscribe over that shifting transport. A transport instance is not
// expected to survive a reconnect, so this package keeps the pending
// request table and id counter itself rather than in transport.Conn.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wsrpc/wsrpc/backoff"
	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/transport"
	"github.com/wsrpc/wsrpc/wire"
	"github.com/wsrpc/wsrpc/wsadapter"
)

// ErrConnectionClosed is the sentinel every pending call and active
// subscription observes when the attached transport dies on its own —
// a parse error, the peer closing the socket, or a failed liveness
// ping (§7 kind 3). Subscribe matches it with errors.Is to decide
// whether to resubscribe, so every genuine disconnect path below
// closes the transport with a reason that wraps this sentinel.
var ErrConnectionClosed = errors.New("client: connection closed")

// errClientClosing is the close reason used only when Client.Close was
// called deliberately. It does not wrap ErrConnectionClosed, so
// Subscribe sees it as terminal instead of reconnecting a client that
// is being torn down.
var errClientClosing = errors.New("client: client closed")

var errPingFailed = errors.New("client: liveness ping unanswered")

// Config enumerates the client options of §6.
type Config struct {
	URL string

	Backoff    backoff.Config
	Transforms []codec.Transform

	PingInterval time.Duration
	PongTimeout  time.Duration

	Adapter transport.Adapter

	OnError      func(error)
	OnConnection func(*Connection)

	Logger *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = time.Second
	}
	if c.Backoff.StartingDelay == 0 {
		c.Backoff = backoff.DefaultConfig()
	}
	if c.Adapter == nil {
		c.Adapter = wsadapter.New()
	}
	if c.OnError == nil {
		c.OnError = func(err error) { logrus.StandardLogger().WithError(err).Error("wsrpc client error") }
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Connection is handed to Config.OnConnection on each successful
// attach; Closed fires once that particular socket terminates.
type Connection struct {
	conn   *transport.Conn
	closed chan struct{}
}

// Closed returns a channel closed once this connection's transport has
// terminated (for any reason: remote close, liveness failure, or
// client shutdown).
func (c *Connection) Closed() <-chan struct{} { return c.closed }

type pendingResult struct {
	value any
	err   error
}

type pendingEntry struct {
	result chan pendingResult
}

// Client is a single logical RPC endpoint that dials, queues, and
// reconnects as needed. Create one with New, call Start to begin the
// connect loop, and Close to tear it down.
type Client struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	nextID atomic.Uint32

	mu      sync.Mutex
	current *transport.Conn
	queue   []*wire.Request
	pending map[wire.ID]*pendingEntry

	policy *backoff.Policy
}

// New builds a Client from cfg. Call Start to begin connecting.
func New(cfg Config) *Client {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[wire.ID]*pendingEntry),
		policy:  backoff.New(cfg.Backoff),
	}
}

// Start launches the connect loop in the background. It is safe to
// call at most once.
func (c *Client) Start() {
	go c.connectLoop()
}

// Close aborts the connect loop, closes any attached socket with code
// 1000, and rejects every pending call and subscription. Subscribe
// does not treat this as a reconnect-and-resume signal since the
// client itself is going away, not just one socket.
func (c *Client) Close() {
	c.cancel()
	<-c.done

	// Calls queued while no transport was attached never reached a
	// runConnection teardown, so they are rejected here.
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[wire.ID]*pendingEntry)
	c.queue = nil
	c.mu.Unlock()
	for _, entry := range pending {
		entry.result <- pendingResult{err: errClientClosing}
	}
}

func (c *Client) connectLoop() {
	defer close(c.done)
	var lastErr error
	for {
		if c.ctx.Err() != nil {
			return
		}
		// Every dial, including the very first, is counted against
		// NumOfAttempts and waits out its slot in the schedule —
		// StartingDelay is documented as the delay before the first
		// attempt too, and numOfAttempts: 1 must mean exactly one dial
		// total, not one free dial plus one policy-approved retry.
		delay, retry := c.policy.Next(lastErr)
		if !retry {
			if lastErr != nil {
				c.cfg.OnError(lastErr)
			}
			return
		}
		if !c.sleep(delay) {
			return
		}

		conn, err := c.dial()
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		c.policy.Reset()
		c.runConnection(conn)
	}
}

func (c *Client) sleep(d time.Duration) (ok bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) dial() (*transport.Conn, error) {
	var conn *transport.Conn
	handlers := transport.SocketHandlers{
		OnMessage: func(data []byte, isText bool) {
			if err := conn.Parse(data, isText); err != nil {
				c.cfg.OnError(err)
				_ = conn.Close(1002, fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			}
		},
		OnClose: func(code int, reason string) {
			_ = conn.Close(code, fmt.Errorf("%w: socket closed: %s", ErrConnectionClosed, reason))
		},
	}
	socket, err := c.cfg.Adapter.Connect(c.ctx, c.cfg.URL, handlers)
	if err != nil {
		return nil, err
	}
	conn = transport.New(socket,
		transport.WithResponseHandler(c.handleResponse),
		transport.WithTransforms(c.cfg.Transforms...),
		transport.WithLogger(c.cfg.Logger),
	)
	return conn, nil
}

func (c *Client) runConnection(conn *transport.Conn) {
	c.mu.Lock()
	c.current = conn
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, req := range queued {
		if err := conn.Send(context.Background(), req); err != nil {
			c.cfg.OnError(err)
		}
	}

	handle := &Connection{conn: conn, closed: make(chan struct{})}
	if c.cfg.OnConnection != nil {
		c.cfg.OnConnection(handle)
	}

	// The pinger and the shutdown watcher both need to stop the instant
	// either the socket dies on its own or the client is closed; an
	// errgroup-derived context gives them one shared cancellation
	// signal instead of a second bespoke done channel.
	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		c.pinger(gctx, conn)
		return nil
	})
	g.Go(func() error {
		select {
		case <-conn.Closed():
		case <-gctx.Done():
			_ = conn.Close(1000, errClientClosing)
		}
		return nil
	})
	_ = g.Wait()
	close(handle.closed)

	closeErr := conn.CloseErr()
	if closeErr == nil {
		closeErr = ErrConnectionClosed
	}
	c.mu.Lock()
	c.current = nil
	pending := c.pending
	c.pending = make(map[wire.ID]*pendingEntry)
	c.mu.Unlock()
	for _, entry := range pending {
		entry.result <- pendingResult{err: closeErr}
	}
}

func (c *Client) pinger(ctx context.Context, conn *transport.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Closed():
			return
		case <-ticker.C:
			if !conn.Ping(ctx, c.cfg.PongTimeout) {
				_ = conn.Close(1001, fmt.Errorf("%w: %v", ErrConnectionClosed, errPingFailed))
				return
			}
		}
	}
}

func (c *Client) handleResponse(resp *wire.Response) {
	c.mu.Lock()
	entry, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.cfg.Logger.Infof("Unknown response ID: %s", resp.ID)
		return
	}
	if resp.Error != nil {
		entry.result <- pendingResult{err: &transport.RemoteError{Message: resp.Error.Message, Generic: resp.Error.Generic}}
		return
	}
	entry.result <- pendingResult{value: resp.Result}
}

// Call issues a request and waits for its response (§4.4's call). If
// no transport is currently attached, the request is queued and sent
// in order once one attaches.
func (c *Client) Call(ctx context.Context, method string, params []any) (any, error) {
	id := wire.ID(c.nextID.Add(1))
	req := &wire.Request{ID: id, Method: method, Params: params}
	entry := &pendingEntry{result: make(chan pendingResult, 1)}

	c.mu.Lock()
	c.pending[id] = entry
	conn := c.current
	if conn == nil {
		c.queue = append(c.queue, req)
	}
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Send(ctx, req); err != nil {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			return nil, err
		}
	}

	select {
	case res := <-entry.result:
		return res.value, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}
