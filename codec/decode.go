package codec

import (
	"fmt"

	"github.com/wsrpc/wsrpc/wire"
)

// decoder reverses the flatten pass. Composite slots (map/array) are
// allocated as empty holes before their children are resolved, so a
// cyclic reference back into an in-progress composite returns the same
// instance (cycle repair) rather than recursing forever.
type decoder struct {
	c        *Codec
	slots    []any
	resolved []any
	state    []uint8 // 0 unvisited, 1 in-progress (composite hole allocated), 2 done
}

func (d *decoder) resolve(idx int) (any, error) {
	if idx < 0 || idx >= len(d.slots) {
		return nil, fmt.Errorf("%w: slot index %d out of range", wire.ErrInvalidFrame, idx)
	}
	if d.state[idx] != 0 {
		return d.resolved[idx], nil
	}
	slot, ok := d.slots[idx].([]any)
	if !ok || len(slot) < 2 {
		return nil, fmt.Errorf("%w: malformed slot %d", wire.ErrInvalidFrame, idx)
	}
	kind, _ := slot[0].(string)
	switch kind {
	case kindPrimitive:
		d.state[idx] = 2
		d.resolved[idx] = slot[1]
		return slot[1], nil
	case kindMap:
		raw, ok := slot[1].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: malformed map slot %d", wire.ErrInvalidFrame, idx)
		}
		hole := make(map[string]any, len(raw))
		d.resolved[idx] = hole
		d.state[idx] = 1
		for k, rawChild := range raw {
			ci, ok := toInt(rawChild)
			if !ok {
				return nil, fmt.Errorf("%w: non-integer child index in map slot %d", wire.ErrInvalidFrame, idx)
			}
			child, err := d.resolve(ci)
			if err != nil {
				return nil, err
			}
			hole[k] = child
		}
		d.state[idx] = 2
		return hole, nil
	case kindArray:
		raw, ok := slot[1].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: malformed array slot %d", wire.ErrInvalidFrame, idx)
		}
		hole := make([]any, len(raw))
		d.resolved[idx] = hole
		d.state[idx] = 1
		for i, rawChild := range raw {
			ci, ok := toInt(rawChild)
			if !ok {
				return nil, fmt.Errorf("%w: non-integer child index in array slot %d", wire.ErrInvalidFrame, idx)
			}
			child, err := d.resolve(ci)
			if err != nil {
				return nil, err
			}
			hole[i] = child
		}
		d.state[idx] = 2
		return hole, nil
	case kindTagged:
		if len(slot) < 3 {
			return nil, fmt.Errorf("%w: malformed tagged slot %d", wire.ErrInvalidFrame, idx)
		}
		tag, _ := slot[1].(string)
		t, ok := d.c.byTag[tag]
		if !ok {
			return nil, fmt.Errorf("%w: tag %q", wire.ErrUnknownTag, tag)
		}
		payloadIdx, ok := toInt(slot[2])
		if !ok {
			return nil, fmt.Errorf("%w: non-integer payload index in tagged slot %d", wire.ErrInvalidFrame, idx)
		}
		d.state[idx] = 1
		d.resolved[idx] = nil
		payload, err := d.resolve(payloadIdx)
		if err != nil {
			return nil, err
		}
		val, err := t.Revive(payload)
		if err != nil {
			return nil, fmt.Errorf("reviving tag %q: %w", tag, err)
		}
		d.state[idx] = 2
		d.resolved[idx] = val
		return val, nil
	default:
		return nil, fmt.Errorf("%w: unknown slot kind %q", wire.ErrInvalidFrame, kind)
	}
}
