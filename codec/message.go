package codec

import (
	"encoding/json"
	"fmt"

	"github.com/wsrpc/wsrpc/wire"
)

// EncodeMessage flattens a *wire.Request or *wire.Response into the
// codec's indexed-slot frame and marshals it to the JSON array that
// goes out on the wire (§4.1: "An array -> decode via revivers ->
// ClientMessage or ServerMessage"). starts is Encode's start-thunk
// list, passed through for the caller to run once this frame has
// actually reached the wire.
func (c *Codec) EncodeMessage(msg any) (data []byte, starts []func(), err error) {
	v, err := messageToValue(msg)
	if err != nil {
		return nil, nil, err
	}
	frame, starts, err := c.Encode(v)
	if err != nil {
		return nil, nil, err
	}
	data, err = json.Marshal(frame)
	if err != nil {
		return nil, nil, err
	}
	return data, starts, nil
}

// DecodeMessage parses a JSON array frame into a *wire.Request or
// *wire.Response.
func (c *Codec) DecodeMessage(raw json.RawMessage) (any, error) {
	v, err := c.DecodeRaw(raw)
	if err != nil {
		return nil, err
	}
	return valueToMessage(v)
}

func messageToValue(msg any) (any, error) {
	switch m := msg.(type) {
	case *wire.Request:
		params := make([]any, len(m.Params))
		copy(params, m.Params)
		return map[string]any{
			"kind":   "call",
			"id":     float64(m.ID),
			"method": m.Method,
			"params": params,
		}, nil
	case *wire.Response:
		out := map[string]any{
			"kind": "result",
			"id":   float64(m.ID),
		}
		if m.Error != nil {
			out["kind"] = "error"
			if m.Error.Generic {
				out["error"] = true
			} else {
				out["error"] = m.Error.Message
			}
			return out, nil
		}
		out["result"] = m.Result
		return out, nil
	default:
		return nil, fmt.Errorf("codec: cannot encode message of type %T", msg)
	}
}

func valueToMessage(v any) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: message is not an object", wire.ErrInvalidFrame)
	}
	kind, _ := obj["kind"].(string)
	idf, _ := obj["id"].(float64)
	id := wire.ID(uint32(idf))
	switch kind {
	case "call":
		method, _ := obj["method"].(string)
		params, _ := obj["params"].([]any)
		return &wire.Request{ID: id, Method: method, Params: params}, nil
	case "result":
		return &wire.Response{ID: id, Result: obj["result"]}, nil
	case "error":
		switch e := obj["error"].(type) {
		case string:
			return &wire.Response{ID: id, Error: &wire.ErrorValue{Message: e}}, nil
		case bool:
			return &wire.Response{ID: id, Error: &wire.ErrorValue{Generic: true}}, nil
		default:
			return nil, fmt.Errorf("%w: error field has unexpected type %T", wire.ErrInvalidFrame, e)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", wire.ErrInvalidFrame, kind)
	}
}
