package server

import "context"

// ContextKey is a typed accessor over per-connection state, realizing
// §9's "context reader" without the source's process-wide mutable
// global: values live on the request-scoped context.Context the
// dispatcher derives per connection (Connection.baseCtx), and a key is
// only ever readable through the accessor that created it.
//
// The accessor's own pointer is the context.WithValue key, so two keys
// built with NewContextKey(same name) — or even the same name under a
// different T — never collide: only the *ContextKey[T] returned by the
// call that built it can read back what it stored.
type ContextKey[T any] struct {
	name string
}

// NewContextKey builds a fresh accessor. name is for diagnostics only;
// it plays no part in lookup, so it need not be unique.
func NewContextKey[T any](name string) *ContextKey[T] {
	return &ContextKey[T]{name: name}
}

// With returns a copy of ctx carrying v under this key.
func (k *ContextKey[T]) With(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

// Get retrieves the value stored under this key, if any.
func (k *ContextKey[T]) Get(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}
