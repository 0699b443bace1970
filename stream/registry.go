// Package stream multiplexes lazy sequences ("streams") over a single
// transport: it keeps the inbound (id -> sink) and outbound (id ->
// cancel) tables from §4.3 and implements the chunk{type}+raw-payload
// protocol. It is grounded on the session/stream-table design shared
// by muxado and smux (see DESIGN.md) generalized from byte streams to
// typed value sequences.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wsrpc/wsrpc/codec"
	"github.com/wsrpc/wsrpc/wire"
)

// ErrRemoteCanceled is the cancellation cause an outbound producer
// observes when the remote consumer sent a cancel frame for its
// stream. Producers must stop reading without emitting a stream error
// frame when they see this cause (§4.3 step 4).
var ErrRemoteCanceled = errors.New("stream: canceled by remote consumer")

// ErrUnknownStream is returned (and is fatal to the transport, per §7)
// when a chunk/done/error/cancel frame names an id not present in the
// relevant table.
var ErrUnknownStream = errors.New("stream: unknown stream id")

// ErrUnexpectedRaw is returned (fatal to the transport) when a raw
// physical frame arrives with no pending chunk{type} announcement.
var ErrUnexpectedRaw = errors.New("stream: unexpected raw frame")

// FrameSink is how the registry hands frames to the transport's
// single-writer socket discipline; implemented by transport.Conn.
// SendChunkWithRaw sends the chunk{type} announcement and the raw
// payload that must immediately follow it as one atomic unit, so no
// other frame can interleave between them (§4.3's atomicity
// requirement).
type FrameSink interface {
	SendStreamFrame(ctx context.Context, sf wire.StreamFrame) error
	SendChunkWithRaw(ctx context.Context, sf wire.StreamFrame, raw []byte, isText bool) error
}

// bufferSize bounds how many chunks may be produced/received ahead of
// the slower side, giving the protocol its backpressure.
const bufferSize = 16

type inboundEntry struct {
	sink     *codec.Sink
	canceled atomic.Bool
	finished chan struct{}
}

type outboundEntry struct {
	cancel func(reason error)
}

// Registry owns a transport's stream tables. It implements
// codec.StreamHost so the codec can allocate/resolve stream ids
// transparently during Encode/Decode.
type Registry struct {
	sink  FrameSink
	codec *codec.Codec

	nextID atomic.Uint32

	mu       sync.Mutex
	inbound  map[uint32]*inboundEntry
	outbound map[uint32]*outboundEntry

	rawMu       sync.Mutex
	expectedRaw *rawAnnouncement
}

type rawAnnouncement struct {
	id  uint32
	typ string
}

// NewRegistry creates an empty registry. SetCodec must be called once
// the owning transport's codec exists (there is a construction cycle:
// the codec needs the registry as its StreamHost, and the registry
// needs the codec to encode/decode chunk payloads).
func NewRegistry(sink FrameSink) *Registry {
	return &Registry{
		sink:     sink,
		inbound:  make(map[uint32]*inboundEntry),
		outbound: make(map[uint32]*outboundEntry),
	}
}

// SetCodec wires the registry to the codec it was built for.
func (r *Registry) SetCodec(c *codec.Codec) { r.codec = c }

func (r *Registry) allocID() uint32 {
	return r.nextID.Add(1)
}

// SendSequence implements codec.StreamHost. It registers seq as an
// outbound stream immediately (so a cancel or lookup against id is
// always valid once this returns) but hands the producer's startup
// back as a thunk rather than launching it here: the caller is still
// in the middle of encoding the enclosing message frame, well before
// that frame has reached transport.Conn.Send's writeText, and starting
// the producer now would let it race that write for the socket and
// possibly land a chunk before the peer has even parsed the id that
// names it (§4.3 step 2).
func (r *Registry) SendSequence(seq *codec.Sequence) (id uint32, start func()) {
	id = r.allocID()
	entry := &outboundEntry{cancel: seq.Cancel}
	r.mu.Lock()
	r.outbound[id] = entry
	r.mu.Unlock()
	return id, func() { go r.runProducer(id, seq) }
}

// ReceiveSequence implements codec.StreamHost. It registers a new
// inbound sink for id and returns the Sequence the caller (a handler,
// or client.subscribe) reads from.
func (r *Registry) ReceiveSequence(id uint32) *codec.Sequence {
	seq, sink := codec.NewSequence(bufferSize)
	entry := &inboundEntry{sink: sink, finished: make(chan struct{})}
	r.mu.Lock()
	r.inbound[id] = entry
	r.mu.Unlock()
	go r.watchConsumerCancel(id, seq, entry)
	return seq
}

func (r *Registry) watchConsumerCancel(id uint32, seq *codec.Sequence, entry *inboundEntry) {
	select {
	case <-entry.finished:
		return
	case <-seq.Done():
	}
	entry.canceled.Store(true)
	reason := ""
	if cause := seq.CancelCause(); cause != nil {
		reason = cause.Error()
	}
	// The id stays registered (not deleted here) until the producer's
	// done/error arrives: a canceled entry still has to absorb and
	// discard that frame as a no-op, so the map entry is kept with
	// canceled set and HandleFrame drops its payload.
	_ = r.sink.SendStreamFrame(context.Background(), wire.StreamFrame{
		Stream: wire.StreamCancel,
		ID:     id,
		Reason: reason,
	})
}

// runProducer drains seq, a locally produced lazy sequence, onto the
// wire as chunk frames, per §4.3's "sending a lazy sequence".
func (r *Registry) runProducer(id uint32, seq *codec.Sequence) {
	ctx := context.Background()
	defer func() {
		r.mu.Lock()
		delete(r.outbound, id)
		r.mu.Unlock()
	}()
	for {
		v, ok, err := seq.Next(ctx)
		if !ok {
			if err == nil || errors.Is(err, codec.ErrSequenceDone) {
				_ = r.sink.SendStreamFrame(ctx, wire.StreamFrame{Stream: wire.StreamDone, ID: id})
				return
			}
			if errors.Is(err, ErrRemoteCanceled) {
				return
			}
			_ = r.sink.SendStreamFrame(ctx, wire.StreamFrame{Stream: wire.StreamError, ID: id, Error: err.Error()})
			return
		}
		if err := r.sendItem(ctx, id, v); err != nil {
			_ = r.sink.SendStreamFrame(ctx, wire.StreamFrame{Stream: wire.StreamError, ID: id, Error: err.Error()})
			return
		}
	}
}

func (r *Registry) sendItem(ctx context.Context, id uint32, v any) error {
	switch raw := v.(type) {
	case string:
		ann := wire.StreamFrame{Stream: wire.StreamChunk, ID: id, Type: wire.PhysicalString}
		return r.sink.SendChunkWithRaw(ctx, ann, []byte(raw), true)
	case []byte:
		ann := wire.StreamFrame{Stream: wire.StreamChunk, ID: id, Type: wire.PhysicalArrayBuffer}
		return r.sink.SendChunkWithRaw(ctx, ann, raw, false)
	default:
		frame, starts, err := r.codec.Encode(v)
		if err != nil {
			return fmt.Errorf("encoding stream item: %w", err)
		}
		sendErr := r.sink.SendStreamFrame(ctx, wire.StreamFrame{Stream: wire.StreamChunk, ID: id, Data: frame})
		// A chunk value that is itself a nested lazy stream needs the
		// same ordering guarantee as the top-level case: its producer
		// must not start until this chunk frame (which names its id)
		// has gone out.
		for _, start := range starts {
			start()
		}
		return sendErr
	}
}

// HandleFrame processes an incoming stream control frame. It is called
// serially from the transport's reader loop.
//
// A chunk{type} announcement must be immediately followed by its raw
// payload (delivered via HandleRaw, not through here); any other frame
// arriving first is the exact boundary violation §8 names as fatal, so
// a pending announcement is checked and cleared before anything else
// runs.
func (r *Registry) HandleFrame(sf *wire.StreamFrame) error {
	r.rawMu.Lock()
	pending := r.expectedRaw
	r.expectedRaw = nil
	r.rawMu.Unlock()
	if pending != nil {
		return fmt.Errorf("%w: chunk{type} for id %d was not immediately followed by its raw payload", ErrUnexpectedRaw, pending.id)
	}

	switch sf.Stream {
	case wire.StreamCancel:
		r.mu.Lock()
		entry, ok := r.outbound[sf.ID]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: cancel for id %d", ErrUnknownStream, sf.ID)
		}
		entry.cancel(ErrRemoteCanceled)
		return nil
	case wire.StreamChunk:
		return r.handleChunk(sf)
	case wire.StreamDone:
		entry, ok := r.takeInbound(sf.ID)
		if !ok {
			return fmt.Errorf("%w: done for id %d", ErrUnknownStream, sf.ID)
		}
		if !entry.canceled.Load() {
			entry.sink.Close()
		}
		close(entry.finished)
		return nil
	case wire.StreamError:
		entry, ok := r.takeInbound(sf.ID)
		if !ok {
			return fmt.Errorf("%w: error for id %d", ErrUnknownStream, sf.ID)
		}
		if !entry.canceled.Load() {
			entry.sink.CloseWithError(errors.New(sf.Error))
		}
		close(entry.finished)
		return nil
	default:
		return fmt.Errorf("%w: unknown stream control %q", wire.ErrInvalidFrame, sf.Stream)
	}
}

func (r *Registry) takeInbound(id uint32) (*inboundEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.inbound[id]
	if ok {
		delete(r.inbound, id)
	}
	return entry, ok
}

func (r *Registry) handleChunk(sf *wire.StreamFrame) error {
	r.mu.Lock()
	entry, ok := r.inbound[sf.ID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: chunk for id %d", ErrUnknownStream, sf.ID)
	}
	if sf.Type != "" {
		r.rawMu.Lock()
		r.expectedRaw = &rawAnnouncement{id: sf.ID, typ: sf.Type}
		r.rawMu.Unlock()
		return nil
	}
	v, err := r.codec.Decode(sf.Data)
	if err != nil {
		return fmt.Errorf("decoding stream chunk: %w", err)
	}
	if entry.canceled.Load() {
		return nil
	}
	// Delivered synchronously (not in a goroutine) so items reach the
	// sink's buffered channel in the exact order they were parsed off
	// the wire, per §5's per-stream ordering guarantee. A full buffer
	// backpressures the reader loop until the consumer catches up or
	// cancels.
	_ = entry.sink.Send(context.Background(), v)
	return nil
}

// HandleRaw processes an incoming raw physical frame (text or binary).
// It must be called immediately after a chunk{type} frame was parsed,
// with no other control frame interleaved — the atomicity requirement
// of §4.3.
func (r *Registry) HandleRaw(data []byte, isText bool) error {
	r.rawMu.Lock()
	ann := r.expectedRaw
	r.expectedRaw = nil
	r.rawMu.Unlock()
	if ann == nil {
		return ErrUnexpectedRaw
	}
	r.mu.Lock()
	entry, ok := r.inbound[ann.id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: raw payload for id %d", ErrUnknownStream, ann.id)
	}
	if entry.canceled.Load() {
		return nil
	}
	var payload any = data
	if ann.typ == wire.PhysicalString {
		payload = string(data)
	}
	_ = entry.sink.Send(context.Background(), payload)
	return nil
}

// CloseAll errors every inbound sink and fires every outbound cancel
// handle with reason, per §3's "after close(reason)" invariant.
func (r *Registry) CloseAll(reason error) {
	r.mu.Lock()
	inbound := r.inbound
	outbound := r.outbound
	r.inbound = make(map[uint32]*inboundEntry)
	r.outbound = make(map[uint32]*outboundEntry)
	r.mu.Unlock()
	for _, entry := range inbound {
		entry.sink.CloseWithError(reason)
	}
	for _, entry := range outbound {
		entry.cancel(reason)
	}
}
