// Package repository persists the group's node table.
package repository

import (
	"context"

	"github.com/xiaot623/fleet/internal/domain"
)

// DecideFunc computes an election round's writes from the group's rows. It
// runs inside the round's write-locked transaction and must not block.
type DecideFunc func(nodes []domain.Node) domain.ElectionPlan

// Store defines the node table operations.
type Store interface {
	// RegisterNode upserts a node row. Existing rows keep their master flag.
	RegisterNode(ctx context.Context, node domain.Node) error
	// Elect heartbeats self, reads every row of self's group and applies the
	// plan decide returns, all in one write-locked transaction. It returns the
	// rows as read (after the heartbeat) and the applied plan.
	Elect(ctx context.Context, self domain.Node, decide DecideFunc) ([]domain.Node, domain.ElectionPlan, error)
	// Resign clears a node's master flag.
	Resign(ctx context.Context, groupID, nodeID string) error

	GetNode(ctx context.Context, groupID, nodeID string) (*domain.Node, error)
	GetMaster(ctx context.Context, groupID string) (*domain.Node, error)
	ListNodes(ctx context.Context, groupID string) ([]domain.Node, error)

	Close() error
}
