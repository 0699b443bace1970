package codec

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wsrpc/wsrpc/wire"
)

type nopHost struct{}

func (nopHost) SendSequence(*Sequence) (uint32, func()) { return 0, nil }
func (nopHost) ReceiveSequence(uint32) *Sequence { return nil }

func roundTrip(t *testing.T, c *Codec, v any) any {
	t.Helper()
	frame, _, err := c.Encode(v)
	require.NoError(t, err)
	out, err := c.Decode(frame)
	require.NoError(t, err)
	return out
}

func TestRoundTripPrimitives(t *testing.T) {
	c := New(nopHost{})
	require.Equal(t, nil, roundTrip(t, c, nil))
	require.Equal(t, true, roundTrip(t, c, true))
	require.Equal(t, "hello", roundTrip(t, c, "hello"))
	require.Equal(t, float64(123), roundTrip(t, c, float64(123)))
}

func TestRoundTripComposite(t *testing.T) {
	c := New(nopHost{})
	in := map[string]any{
		"a": float64(1),
		"b": []any{float64(1), float64(2), "three"},
	}
	out := roundTrip(t, c, in)
	require.Equal(t, in, out)
}

func TestRoundTripSharedReference(t *testing.T) {
	c := New(nopHost{})
	shared := []any{float64(1), float64(2)}
	in := map[string]any{"x": shared, "y": shared}
	frame, _, err := c.Encode(in)
	require.NoError(t, err)
	out, err := c.Decode(frame)
	require.NoError(t, err)
	obj := out.(map[string]any)
	xs := obj["x"].([]any)
	ys := obj["y"].([]any)
	require.Equal(t, xs, ys)
}

func TestRoundTripCycle(t *testing.T) {
	c := New(nopHost{})
	m := map[string]any{"name": "root"}
	m["self"] = m
	frame, _, err := c.Encode(m)
	require.NoError(t, err)
	out, err := c.Decode(frame)
	require.NoError(t, err)
	decoded := out.(map[string]any)
	require.Equal(t, "root", decoded["name"])
	require.Equal(t, reflect.ValueOf(decoded).Pointer(), reflect.ValueOf(decoded["self"]).Pointer())
}

func TestUserTransformRoundTrip(t *testing.T) {
	type point struct{ x, y float64 }
	tr := Transform{
		Tag: "Point",
		Reduce: func(v any) (any, bool, error) {
			p, ok := v.(point)
			if !ok {
				return nil, false, nil
			}
			return []any{p.x, p.y}, true, nil
		},
		Revive: func(payload any) (any, error) {
			arr := payload.([]any)
			return point{x: arr[0].(float64), y: arr[1].(float64)}, nil
		},
	}
	c := New(nopHost{}, tr)
	out := roundTrip(t, c, point{x: 1, y: 2})
	require.Equal(t, point{x: 1, y: 2}, out)
}

func TestUnknownTagErrors(t *testing.T) {
	c := New(nopHost{})
	_, _, err := c.Encode(make(chan int))
	require.ErrorIs(t, err, wire.ErrUnknownTag)
}

func TestMessageRoundTrip(t *testing.T) {
	c := New(nopHost{})
	req := &wire.Request{ID: 7, Method: "add", Params: []any{float64(1), float64(2)}}
	data, _, err := c.EncodeMessage(req)
	require.NoError(t, err)
	decoded, err := c.DecodeMessage(data)
	require.NoError(t, err)
	got := decoded.(*wire.Request)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.Method, got.Method)
	require.Equal(t, req.Params, got.Params)
}

func TestErrorMessageGeneric(t *testing.T) {
	c := New(nopHost{})
	resp := &wire.Response{ID: 3, Error: &wire.ErrorValue{Generic: true}}
	data, _, err := c.EncodeMessage(resp)
	require.NoError(t, err)
	decoded, err := c.DecodeMessage(data)
	require.NoError(t, err)
	got := decoded.(*wire.Response)
	require.True(t, got.Error.Generic)
	require.Equal(t, "request failed", got.Error.Error())
}
