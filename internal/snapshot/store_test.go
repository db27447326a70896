package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleet/internal/domain"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	srv := domain.ManagedServer{
		Name:     "S1",
		Endpoint: domain.Endpoint{Host: "127.0.0.1", Port: 6666},
		Version:  "3.0",
		Config:   json.RawMessage(`{"mission":"caucasus.miz"}`),
	}
	require.NoError(t, s.SaveServer(srv))

	got, err := s.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, "S1", got.Server)
	assert.Equal(t, 6666, got.Endpoint.Port)
	assert.JSONEq(t, `{"mission":"caucasus.miz"}`, string(got.Config))
	assert.False(t, got.SavedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, s.Save(Snapshot{Server: name}))
	}
	require.NoError(t, s.Delete("b"))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Server)
	assert.Equal(t, "c", list[1].Server)
}

func TestSaveRequiresName(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Save(Snapshot{}))
}
