package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/fleet/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func node(id string, at time.Time) domain.Node {
	return domain.Node{GroupID: "g1", NodeID: id, LastSeen: at, StartedAt: at, BusAddr: id + ":8071"}
}

func TestWithImmediateTx(t *testing.T) {
	assert.Equal(t, ":memory:?_txlock=immediate", withImmediateTx(":memory:"))
	assert.Equal(t, "file:x.db?mode=rwc&_txlock=immediate", withImmediateTx("file:x.db?mode=rwc"))
	assert.Equal(t, "file:x.db?_txlock=exclusive", withImmediateTx("file:x.db?_txlock=exclusive"))
}

func TestRegisterNodeKeepsMasterFlag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, store.RegisterNode(ctx, node("a", now)))
	_, _, err := store.Elect(ctx, node("a", now), func([]domain.Node) domain.ElectionPlan {
		return domain.ElectionPlan{Claim: true}
	})
	require.NoError(t, err)

	later := now.Add(time.Minute)
	require.NoError(t, store.RegisterNode(ctx, node("a", later)))

	got, err := store.GetNode(ctx, "g1", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RoleMaster, got.Role)
	assert.Equal(t, later.UnixMilli(), got.LastSeen.UnixMilli())
	assert.Equal(t, now.UnixMilli(), got.StartedAt.UnixMilli())
	assert.Equal(t, "a:8071", got.BusAddr)
}

func TestElectAppliesPlan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.RegisterNode(ctx, node(id, now)))
	}
	_, _, err := store.Elect(ctx, node("a", now), func([]domain.Node) domain.ElectionPlan {
		return domain.ElectionPlan{Claim: true}
	})
	require.NoError(t, err)

	var seen []domain.Node
	_, plan, err := store.Elect(ctx, node("b", now.Add(time.Second)), func(nodes []domain.Node) domain.ElectionPlan {
		seen = nodes
		return domain.ElectionPlan{Demote: []string{"a"}, Claim: true}
	})
	require.NoError(t, err)
	assert.True(t, plan.Claim)
	require.Len(t, seen, 2)
	assert.Equal(t, domain.RoleMaster, seen[0].Role)

	master, err := store.GetMaster(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, master)
	assert.Equal(t, "b", master.NodeID)

	nodes, err := store.ListNodes(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, domain.RoleAgent, nodes[0].Role)
	assert.Equal(t, domain.RoleMaster, nodes[1].Role)
}

func TestElectHeartbeatsUnknownNode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	nodes, plan, err := store.Elect(ctx, node("fresh", now), func([]domain.Node) domain.ElectionPlan {
		return domain.ElectionPlan{}
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAgent, plan.ResultRole(domain.RoleAgent))
	require.Len(t, nodes, 1)
	assert.Equal(t, "fresh", nodes[0].NodeID)
}

func TestResignAndGroups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	other := node("x", now)
	other.GroupID = "g2"
	require.NoError(t, store.RegisterNode(ctx, other))
	_, _, err := store.Elect(ctx, node("a", now), func([]domain.Node) domain.ElectionPlan {
		return domain.ElectionPlan{Claim: true}
	})
	require.NoError(t, err)

	g2, err := store.ListNodes(ctx, "g2")
	require.NoError(t, err)
	require.Len(t, g2, 1)
	assert.Equal(t, domain.RoleAgent, g2[0].Role)

	require.NoError(t, store.Resign(ctx, "g1", "a"))
	master, err := store.GetMaster(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, master)

	missing, err := store.GetNode(ctx, "g1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
