package domain

import "time"

// Node is one host process participating in a group's election.
type Node struct {
	GroupID   string    `json:"group_id"`
	NodeID    string    `json:"node_id"`
	Role      Role      `json:"role"`
	LastSeen  time.Time `json:"last_seen"`
	BusAddr   string    `json:"bus_addr,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// IsMaster reports whether the row claims mastership.
func (n Node) IsMaster() bool {
	return n.Role == RoleMaster
}

// ElectionPlan is the write set one election round applies inside its
// transaction.
type ElectionPlan struct {
	// Demote lists other nodes whose master flag is cleared.
	Demote []string
	// Claim sets the calling node's master flag.
	Claim bool
	// StepDown clears the calling node's master flag.
	StepDown bool
}

// ResultRole is the calling node's role once the plan is applied, given the
// role its row had before.
func (p ElectionPlan) ResultRole(before Role) Role {
	switch {
	case p.Claim:
		return RoleMaster
	case p.StepDown:
		return RoleAgent
	}
	return before
}
