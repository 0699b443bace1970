// Package stub realizes §9's "dynamic method dispatch" design note: in
// place of the source's reflective proxy that turns router.method(args)
// into call("method", args), a statically typed caller composes these
// generic one-liners by hand (or a small code generator could emit
// them), each wrapping exactly one client.Client.Call.
package stub

import "context"

// Caller is the subset of client.Client a stub needs; satisfied by
// *client.Client.
type Caller interface {
	Call(ctx context.Context, method string, params []any) (any, error)
}

// Call0 invokes a zero-argument method and decodes its result as Out
// via decode.
func Call0[Out any](ctx context.Context, c Caller, method string, decode func(any) (Out, error)) (Out, error) {
	var zero Out
	result, err := c.Call(ctx, method, nil)
	if err != nil {
		return zero, err
	}
	return decode(result)
}

// Call1 invokes a one-argument method.
func Call1[In, Out any](ctx context.Context, c Caller, method string, in In, decode func(any) (Out, error)) (Out, error) {
	var zero Out
	result, err := c.Call(ctx, method, []any{in})
	if err != nil {
		return zero, err
	}
	return decode(result)
}

// Call2 invokes a two-argument method.
func Call2[A, B, Out any](ctx context.Context, c Caller, method string, a A, b B, decode func(any) (Out, error)) (Out, error) {
	var zero Out
	result, err := c.Call(ctx, method, []any{a, b})
	if err != nil {
		return zero, err
	}
	return decode(result)
}

// Identity is the trivial decode for callers happy to receive the raw
// codec.Decode result (any) without a further type assertion helper.
func Identity(v any) (any, error) { return v, nil }

// AsFloat64 decodes a JSON-numeric result, the common case for Go's
// float64-typed JSON numbers.
func AsFloat64(v any) (float64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, &TypeError{Want: "float64", Got: v}
	}
	return f, nil
}

// AsString decodes a string result.
func AsString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", &TypeError{Want: "string", Got: v}
	}
	return s, nil
}

// TypeError is returned by the As* decode helpers when the result's
// dynamic type doesn't match what the stub expected.
type TypeError struct {
	Want string
	Got  any
}

func (e *TypeError) Error() string {
	return "stub: expected " + e.Want + ", got a different type"
}
