package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextKeyIsolation(t *testing.T) {
	keyA := NewContextKey[int]("a")
	keyB := NewContextKey[int]("b")

	ctx := keyA.With(context.Background(), 1)
	ctx = keyB.With(ctx, 2)

	a, ok := keyA.Get(ctx)
	require.True(t, ok)
	require.Equal(t, 1, a)

	b, ok := keyB.Get(ctx)
	require.True(t, ok)
	require.Equal(t, 2, b)
}

func TestContextKeyMissing(t *testing.T) {
	key := NewContextKey[string]("missing")
	_, ok := key.Get(context.Background())
	require.False(t, ok)
}
