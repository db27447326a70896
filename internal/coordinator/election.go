package coordinator

import (
	"time"

	"github.com/xiaot623/fleet/internal/domain"
)

// StalenessThreshold is how long a master may go without a heartbeat before
// another node demotes it.
const StalenessThreshold = 10 * time.Second

// decide computes one election round for self from the group's rows.
//
// Masters whose heartbeat is older than StalenessThreshold are demoted by
// whoever sees them. Among the remaining masters: none means self claims,
// one means nothing changes, several means split brain and self steps down
// if it is one of them. Returning to master after stepping down only happens
// through the no-master path.
func decide(self string, nodes []domain.Node, now time.Time) domain.ElectionPlan {
	var plan domain.ElectionPlan
	var live []string
	for _, n := range nodes {
		if !n.IsMaster() {
			continue
		}
		if n.NodeID != self && now.Sub(n.LastSeen) > StalenessThreshold {
			plan.Demote = append(plan.Demote, n.NodeID)
			continue
		}
		live = append(live, n.NodeID)
	}

	switch len(live) {
	case 0:
		plan.Claim = true
	case 1:
	default:
		for _, id := range live {
			if id == self {
				plan.StepDown = true
				break
			}
		}
	}
	return plan
}

// roleOf returns self's role as stored in rows.
func roleOf(self string, nodes []domain.Node) domain.Role {
	for _, n := range nodes {
		if n.NodeID == self {
			return n.Role
		}
	}
	return domain.RoleAgent
}
