// Package codec serializes and deserializes RPC Values: arbitrary Go
// values built from nil/bool/number/string/[]any/map[string]any, plus
// whatever a registered Transform additionally recognizes. It
// preserves shared and cyclic references using a two-pass indexed
// encoding (§9 of the design: every sub-value gets a slot, composites
// reference children by slot index, and decode allocates the slots as
// holes before filling them so cycles resolve to the same instance).
//
// codec also owns one built-in tag, LazyStream,
// which replaces a *Sequence with an integer stream id. The actual
// bookkeeping for that id (registering the outbound producer /
// inbound sink) is delegated to a StreamHost, implemented by
// package stream's Registry, so codec itself stays free of any
// transport concerns.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/wsrpc/wsrpc/wire"
)

// TagLazyStream is the reducer/reviver tag for lazy sequences.
const TagLazyStream = "LazyStream"

// StreamHost is implemented by the stream registry. Reduce calls
// SendSequence to turn a local Sequence into a wire id; Revive calls
// ReceiveSequence to turn a wire id into a Sequence fed by incoming
// chunks.
//
// SendSequence registers the outbound stream and hands back a start
// func that the caller must invoke once, after the enclosing frame
// that carries id has actually been written to the wire — the
// producer must not race that write (§4.3 step 2: the receiver has to
// see and register the id before any chunk for it can arrive).
// start is nil only if seq needs no background producer.
type StreamHost interface {
	SendSequence(seq *Sequence) (id uint32, start func())
	ReceiveSequence(id uint32) *Sequence
}

// Transform is a user-declared reducer/reviver pair keyed by Tag.
// Reduce inspects v; if it recognizes the value it returns (payload,
// true, nil). Revive is the inverse, given the decoded payload.
type Transform struct {
	Tag    string
	Reduce func(v any) (payload any, ok bool, err error)
	Revive func(payload any) (any, error)
}

// Codec encodes/decodes Values and the ClientMessage/ServerMessage
// envelopes that carry them.
type Codec struct {
	transforms []Transform
	byTag      map[string]Transform
}

// New builds a Codec with the built-in LazyStream transform plus any
// user-declared transforms. User transforms are tried first, so a user
// tag can shadow (never LazyStream, which is reserved).
func New(host StreamHost, transforms ...Transform) *Codec {
	c := &Codec{byTag: make(map[string]Transform, len(transforms)+1)}
	for _, t := range transforms {
		if t.Tag == TagLazyStream {
			panic("codec: transform tag \"LazyStream\" is reserved")
		}
		c.transforms = append(c.transforms, t)
		c.byTag[t.Tag] = t
	}
	builtin := lazyStreamTransform(host)
	c.transforms = append(c.transforms, builtin)
	c.byTag[builtin.Tag] = builtin
	return c
}

// lazyStreamPayload is the intermediate value encodeTagged recognizes
// and unwraps: the wire only ever sees the numeric id, but the
// enclosing encoder pass needs the paired start thunk too, so Reduce
// smuggles both out together rather than widening Transform's return
// type for every tag.
type lazyStreamPayload struct {
	id    uint32
	start func()
}

func lazyStreamTransform(host StreamHost) Transform {
	return Transform{
		Tag: TagLazyStream,
		Reduce: func(v any) (any, bool, error) {
			seq, ok := v.(*Sequence)
			if !ok {
				return nil, false, nil
			}
			id, start := host.SendSequence(seq)
			return lazyStreamPayload{id: id, start: start}, true, nil
		},
		Revive: func(payload any) (any, error) {
			id, ok := toUint32(payload)
			if !ok {
				return nil, fmt.Errorf("%w: LazyStream payload is not an integer id", wire.ErrInvalidFrame)
			}
			return host.ReceiveSequence(id), nil
		},
	}
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case float64:
		return uint32(n), true
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	default:
		return 0, false
	}
}

// slot wire forms. Every slot is itself a JSON array so decode can
// dispatch on the first element without any ambiguity against a
// user's own map/array data, which are always one level deeper.
const (
	kindPrimitive = "p"
	kindMap       = "m"
	kindArray     = "a"
	kindTagged    = "t"
)

// Encode flattens v into the indexed-slot wire frame: a JSON array
// whose first element is the root slot index and whose remaining
// elements are the slots themselves.
//
// starts collects one thunk per lazy sequence v newly reduced to a
// stream id. The caller must run every one of them, in order, only
// after the frame this call produced has itself been written to the
// wire (see StreamHost).
func (c *Codec) Encode(v any) (frame []any, starts []func(), err error) {
	e := &encoder{c: c, seenComposite: map[uintptr]int{}}
	root, err := e.encode(v)
	if err != nil {
		return nil, nil, err
	}
	frame = make([]any, 0, len(e.slots)+1)
	frame = append(frame, root)
	frame = append(frame, e.slots...)
	return frame, e.streamStarts, nil
}

// Decode reverses Encode: frame is the array produced above (already
// unmarshaled into []any terms is not required — callers may also pass
// raw JSON elements as json.RawMessage; DecodeRaw handles that case).
func (c *Codec) Decode(frame []any) (any, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty message frame", wire.ErrInvalidFrame)
	}
	rootIdx, ok := toInt(frame[0])
	if !ok {
		return nil, fmt.Errorf("%w: root index is not an integer", wire.ErrInvalidFrame)
	}
	slots := frame[1:]
	d := &decoder{c: c, slots: slots, resolved: make([]any, len(slots)), state: make([]uint8, len(slots))}
	return d.resolve(rootIdx)
}

// DecodeRaw decodes a top-level JSON array frame (as produced by
// EncodeMessage) directly from bytes, preserving json.Number-free
// float64 semantics consistent with Encode/Decode.
func (c *Codec) DecodeRaw(raw json.RawMessage) (any, error) {
	var frame []any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrInvalidFrame, err)
	}
	return c.Decode(frame)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
