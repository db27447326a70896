package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/fleet/internal/domain"
)

func row(id string, master bool, seen time.Time) domain.Node {
	n := domain.Node{GroupID: "g", NodeID: id, Role: domain.RoleAgent, LastSeen: seen}
	if master {
		n.Role = domain.RoleMaster
	}
	return n
}

func TestDecide(t *testing.T) {
	now := time.Unix(10_000, 0)
	fresh := now.Add(-time.Second)
	stale := now.Add(-StalenessThreshold - time.Second)

	tests := []struct {
		name  string
		nodes []domain.Node
		want  domain.ElectionPlan
	}{
		{
			name:  "no master claims",
			nodes: []domain.Node{row("a", false, now), row("b", false, fresh)},
			want:  domain.ElectionPlan{Claim: true},
		},
		{
			name:  "self master heartbeats",
			nodes: []domain.Node{row("a", true, now), row("b", false, fresh)},
			want:  domain.ElectionPlan{},
		},
		{
			name:  "fresh other master is kept",
			nodes: []domain.Node{row("a", false, now), row("b", true, fresh)},
			want:  domain.ElectionPlan{},
		},
		{
			name:  "stale other master is taken over",
			nodes: []domain.Node{row("a", false, now), row("b", true, stale)},
			want:  domain.ElectionPlan{Demote: []string{"b"}, Claim: true},
		},
		{
			name:  "split brain self steps down",
			nodes: []domain.Node{row("a", true, now), row("b", true, fresh)},
			want:  domain.ElectionPlan{StepDown: true},
		},
		{
			name:  "split brain among others leaves self alone",
			nodes: []domain.Node{row("a", false, now), row("b", true, fresh), row("c", true, fresh)},
			want:  domain.ElectionPlan{},
		},
		{
			name:  "stale half of a split brain is demoted",
			nodes: []domain.Node{row("a", true, now), row("b", true, stale)},
			want:  domain.ElectionPlan{Demote: []string{"b"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide("a", tt.nodes, now))
		})
	}
}

func TestRoleOf(t *testing.T) {
	nodes := []domain.Node{row("a", true, time.Now())}
	assert.Equal(t, domain.RoleMaster, roleOf("a", nodes))
	assert.Equal(t, domain.RoleAgent, roleOf("missing", nodes))
}
