package stub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	method string
	params []any
	result any
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, method string, params []any) (any, error) {
	f.method = method
	f.params = params
	return f.result, f.err
}

func TestCall1BuildsRequestAndDecodes(t *testing.T) {
	c := &fakeCaller{result: float64(579)}
	got, err := Call1(context.Background(), c, "add", []any{float64(123), float64(456)}, AsFloat64)
	require.NoError(t, err)
	require.Equal(t, float64(579), got)
	require.Equal(t, "add", c.method)
}

func TestCall0PropagatesError(t *testing.T) {
	c := &fakeCaller{err: errors.New("boom")}
	_, err := Call0(context.Background(), c, "ping", AsString)
	require.Error(t, err)
}

func TestAsFloat64RejectsWrongType(t *testing.T) {
	_, err := AsFloat64("not a number")
	require.Error(t, err)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
}
