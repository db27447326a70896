package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleet/internal/protocol"
)

func reply(command, token, status string) protocol.Message {
	m := protocol.New(command, "S1")
	m.Channel = token
	m.Set("status", status)
	return m
}

func TestFulfillMatchesTokenOnly(t *testing.T) {
	tbl := NewTable(0)

	a, err := tbl.Register("getStatus", "1", time.Second)
	require.NoError(t, err)
	b, err := tbl.Register("getStatus", "2", time.Second)
	require.NoError(t, err)

	assert.False(t, tbl.Fulfill("getStatus", "99", reply("getStatus", "99", "stale")))
	assert.Equal(t, 2, tbl.LenCommand("getStatus"))

	assert.True(t, tbl.Fulfill("getStatus", "2", reply("getStatus", "2", "running")))
	got, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", got.String("status"))

	assert.True(t, tbl.Has("getStatus", "1"))
	assert.False(t, tbl.Has("getStatus", "2"))
	assert.Equal(t, 1, tbl.Len())

	tbl.Remove(a)
	assert.Equal(t, 0, tbl.Len())
}

func TestFulfillOnlyOnce(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Register("getStatus", "5", time.Second)
	require.NoError(t, err)

	assert.True(t, tbl.Fulfill("getStatus", "5", reply("getStatus", "5", "running")))
	assert.False(t, tbl.Fulfill("getStatus", "5", reply("getStatus", "5", "paused")))
}

func TestRegisterDuplicateToken(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Register("getStatus", "5", time.Second)
	require.NoError(t, err)

	_, err = tbl.Register("getStatus", "5", time.Second)
	assert.ErrorIs(t, err, ErrDuplicateToken)

	_, err = tbl.Register("getPlayers", "5", time.Second)
	assert.NoError(t, err, "same token under another command is independent")
}

func TestRegisterLimitPerCommand(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Register("c", "1", time.Second)
	require.NoError(t, err)
	_, err = tbl.Register("c", "2", time.Second)
	require.NoError(t, err)

	_, err = tbl.Register("c", "3", time.Second)
	assert.ErrorIs(t, err, ErrTooManyPending)

	_, err = tbl.Register("other", "3", time.Second)
	assert.NoError(t, err)
}

func TestSweepExpiresOverdueRequests(t *testing.T) {
	tbl := NewTable(0)
	now := time.Unix(1000, 0)
	tbl.now = func() time.Time { return now }

	old, err := tbl.Register("c", "1", time.Second)
	require.NoError(t, err)
	fresh, err := tbl.Register("c", "2", time.Minute)
	require.NoError(t, err)

	now = now.Add(5 * time.Second)
	expired := tbl.Sweep()
	require.Len(t, expired, 1)
	assert.Same(t, old, expired[0])
	assert.True(t, tbl.Has("c", "2"))

	_, err = old.Wait(context.Background())
	assert.ErrorIs(t, err, ErrExpired)

	tbl.Remove(fresh)
	assert.Equal(t, 0, tbl.Len())
}

func TestWaitHonoursContext(t *testing.T) {
	tbl := NewTable(0)
	p, err := tbl.Register("c", "1", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
