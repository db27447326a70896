package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleet/internal/protocol"
)

func TestDispatchRegisteredHandler(t *testing.T) {
	d := New()
	d.MustRegister("getStatus", func(ctx context.Context, msg protocol.Message) (map[string]any, error) {
		return map[string]any{"server": msg.ServerName}, nil
	})

	reply, handled, err := d.Dispatch(context.Background(), protocol.New("getStatus", "S1"))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "S1", reply["server"])
}

func TestDispatchUnknownCommandIsIgnored(t *testing.T) {
	d := New()
	reply, handled, err := d.Dispatch(context.Background(), protocol.New("os.system", "S1"))
	assert.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, reply)
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	d.MustRegister("fail", func(context.Context, protocol.Message) (map[string]any, error) {
		return nil, boom
	})

	_, handled, err := d.Dispatch(context.Background(), protocol.New("fail", "S1"))
	assert.True(t, handled)
	assert.ErrorIs(t, err, boom)
}

func TestRegisterValidation(t *testing.T) {
	d := New()
	noop := func(context.Context, protocol.Message) (map[string]any, error) { return nil, nil }

	assert.Error(t, d.Register("", noop))
	assert.Error(t, d.Register("x", nil))
	require.NoError(t, d.Register("x", noop, Async()))
	assert.ErrorIs(t, d.Register("x", noop), ErrDuplicateHandler)

	h, ok := d.Lookup("x")
	require.True(t, ok)
	assert.True(t, h.Async)
	assert.ElementsMatch(t, []string{"x"}, d.Commands())
}
