package codec

import (
	"fmt"
	"reflect"

	"github.com/wsrpc/wsrpc/wire"
)

// encoder performs the depth-first flatten pass. Every value gets its
// own slot; composite values (maps, arrays, tagged transforms) are
// deduplicated by identity so shared references and cycles collapse
// to a single slot with back-pointers, per §9.
type encoder struct {
	c             *Codec
	slots         []any
	seenComposite map[uintptr]int
	streamStarts  []func()
}

// reserve appends a placeholder slot and returns its index. Composite
// encoders must reserve before recursing into children so a cycle back
// into the same composite resolves to this index rather than
// recursing forever.
func (e *encoder) reserve() int {
	e.slots = append(e.slots, nil)
	return len(e.slots) - 1
}

func (e *encoder) encode(v any) (int, error) {
	switch vv := v.(type) {
	case nil:
		idx := e.reserve()
		e.slots[idx] = []any{kindPrimitive, nil}
		return idx, nil
	case bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		idx := e.reserve()
		e.slots[idx] = []any{kindPrimitive, vv}
		return idx, nil
	case map[string]any:
		return e.encodeMap(vv)
	case []any:
		return e.encodeArray(vv)
	default:
		return e.encodeTagged(v)
	}
}

func (e *encoder) encodeMap(m map[string]any) (int, error) {
	if ptr, ok := pointerIdentity(m); ok {
		if idx, ok := e.seenComposite[ptr]; ok {
			return idx, nil
		}
		idx := e.reserve()
		e.seenComposite[ptr] = idx
		return idx, e.fillMap(idx, m)
	}
	idx := e.reserve()
	return idx, e.fillMap(idx, m)
}

func (e *encoder) fillMap(idx int, m map[string]any) error {
	out := make(map[string]any, len(m))
	for k, child := range m {
		ci, err := e.encode(child)
		if err != nil {
			return err
		}
		out[k] = ci
	}
	e.slots[idx] = []any{kindMap, out}
	return nil
}

func (e *encoder) encodeArray(a []any) (int, error) {
	if ptr, ok := pointerIdentity(a); ok {
		if idx, ok := e.seenComposite[ptr]; ok {
			return idx, nil
		}
		idx := e.reserve()
		e.seenComposite[ptr] = idx
		return idx, e.fillArray(idx, a)
	}
	idx := e.reserve()
	return idx, e.fillArray(idx, a)
}

func (e *encoder) fillArray(idx int, a []any) error {
	out := make([]any, len(a))
	for i, child := range a {
		ci, err := e.encode(child)
		if err != nil {
			return err
		}
		out[i] = ci
	}
	e.slots[idx] = []any{kindArray, out}
	return nil
}

func (e *encoder) encodeTagged(v any) (int, error) {
	if ptr, ok := pointerIdentity(v); ok {
		if idx, ok := e.seenComposite[ptr]; ok {
			return idx, nil
		}
	}
	for _, t := range e.c.transforms {
		payload, ok, err := t.Reduce(v)
		if err != nil {
			return 0, fmt.Errorf("reducing tag %q: %w", t.Tag, err)
		}
		if !ok {
			continue
		}
		if sp, ok := payload.(lazyStreamPayload); ok {
			if sp.start != nil {
				e.streamStarts = append(e.streamStarts, sp.start)
			}
			payload = float64(sp.id)
		}
		idx := e.reserve()
		if ptr, ok := pointerIdentity(v); ok {
			e.seenComposite[ptr] = idx
		}
		payloadIdx, err := e.encode(payload)
		if err != nil {
			return 0, err
		}
		e.slots[idx] = []any{kindTagged, t.Tag, payloadIdx}
		return idx, nil
	}
	return 0, fmt.Errorf("%w: no reducer matches value of type %T", wire.ErrUnknownTag, v)
}

// pointerIdentity returns a stable identity for reference-typed values
// (maps, slices backed by non-nil data, pointers) so repeated
// references to the same underlying value collapse to one slot. Value
// types with no meaningful reference identity return ok=false.
func pointerIdentity(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.IsNil() || rv.Len() == 0 {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Ptr, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}
