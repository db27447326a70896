// Package coordinator elects one master node per group over the shared
// node table.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/repository"
	"github.com/xiaot623/fleet/internal/telemetry"
)

// DefaultPollInterval is the election round interval.
const DefaultPollInterval = time.Second

// Duties are the master-only responsibilities of a node. Start runs before
// the node reports itself as master; Stop runs after it reports agent.
type Duties interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options identifies the node in its group.
type Options struct {
	GroupID      string
	NodeID       string
	BusAddr      string
	PollInterval time.Duration
}

// Coordinator runs election rounds and tracks this node's role.
type Coordinator struct {
	store     repository.Store
	opts      Options
	duties    Duties
	log       *zap.Logger
	now       func() time.Time
	startedAt time.Time

	// round serialises election rounds and duty transitions.
	round sync.Mutex

	mu   sync.RWMutex
	role domain.Role
}

// New creates a coordinator. duties may be nil.
func New(store repository.Store, opts Options, duties Duties, logger *zap.Logger) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		opts:      opts,
		duties:    duties,
		log:       logger.Named("coordinator").With(zap.String("node", opts.NodeID), zap.String("group", opts.GroupID)),
		now:       time.Now,
		startedAt: time.Now(),
		role:      domain.RoleAgent,
	}
}

// NodeID returns this node's identity.
func (c *Coordinator) NodeID() string {
	return c.opts.NodeID
}

// GroupID returns this node's group.
func (c *Coordinator) GroupID() string {
	return c.opts.GroupID
}

// Role returns the last known role.
func (c *Coordinator) Role() domain.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// IsMaster reports whether this node currently holds mastership.
func (c *Coordinator) IsMaster() bool {
	return c.Role() == domain.RoleMaster
}

func (c *Coordinator) setRole(r domain.Role) {
	c.mu.Lock()
	c.role = r
	c.mu.Unlock()
	telemetry.SetRole(r == domain.RoleMaster)
}

func (c *Coordinator) self() domain.Node {
	return domain.Node{
		GroupID:   c.opts.GroupID,
		NodeID:    c.opts.NodeID,
		LastSeen:  c.now(),
		BusAddr:   c.opts.BusAddr,
		StartedAt: c.startedAt,
	}
}

// Register upserts this node's row.
func (c *Coordinator) Register(ctx context.Context) error {
	return c.store.RegisterNode(ctx, c.self())
}

// TryBecomeMaster runs one election round, heartbeating this node, and
// applies any resulting role change. On a store error the role is kept.
func (c *Coordinator) TryBecomeMaster(ctx context.Context) (bool, error) {
	c.round.Lock()
	defer c.round.Unlock()

	now := c.now()
	nodes, plan, err := c.store.Elect(ctx, c.self(), func(nodes []domain.Node) domain.ElectionPlan {
		return decide(c.opts.NodeID, nodes, now)
	})
	if err != nil {
		telemetry.ElectionRounds.WithLabelValues("error").Inc()
		c.log.Warn("election round failed", zap.Error(err))
		return c.IsMaster(), err
	}
	for _, id := range plan.Demote {
		c.log.Warn("demoted stale master", zap.String("stale", id))
	}
	if plan.StepDown {
		c.log.Warn("split brain detected, stepping down")
	}

	target := plan.ResultRole(roleOf(c.opts.NodeID, nodes))
	c.transition(ctx, target)
	telemetry.ElectionRounds.WithLabelValues(string(c.Role())).Inc()
	return c.IsMaster(), nil
}

func (c *Coordinator) transition(ctx context.Context, target domain.Role) {
	current := c.Role()
	if target == current {
		return
	}
	if target == domain.RoleMaster {
		if c.duties != nil {
			if err := c.duties.Start(ctx); err != nil {
				c.log.Error("failed to start master duties, resigning", zap.Error(err))
				if err := c.store.Resign(ctx, c.opts.GroupID, c.opts.NodeID); err != nil {
					c.log.Error("resign failed", zap.Error(err))
				}
				return
			}
		}
		c.setRole(domain.RoleMaster)
		c.log.Info("became master")
		return
	}

	c.setRole(domain.RoleAgent)
	c.log.Info("became agent")
	if c.duties != nil {
		if err := c.duties.Stop(ctx); err != nil {
			c.log.Error("failed to stop master duties", zap.Error(err))
		}
	}
}

// ListMembers returns every node of the group.
func (c *Coordinator) ListMembers(ctx context.Context) ([]domain.Node, error) {
	nodes, err := c.store.ListNodes(ctx, c.opts.GroupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return nodes, nil
}

// Member returns one node of the group, or nil.
func (c *Coordinator) Member(ctx context.Context, nodeID string) (*domain.Node, error) {
	return c.store.GetNode(ctx, c.opts.GroupID, nodeID)
}

// Master returns the group's current master row, or nil.
func (c *Coordinator) Master(ctx context.Context) (*domain.Node, error) {
	return c.store.GetMaster(ctx, c.opts.GroupID)
}

// Run registers the node and runs election rounds until ctx is done. On exit
// it drops master duties and resigns.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Register(ctx); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	_, _ = c.TryBecomeMaster(ctx)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			_, _ = c.TryBecomeMaster(ctx)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.round.Lock()
	defer c.round.Unlock()
	if !c.IsMaster() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.transition(ctx, domain.RoleAgent)
	if err := c.store.Resign(ctx, c.opts.GroupID, c.opts.NodeID); err != nil {
		c.log.Warn("resign on shutdown failed", zap.Error(err))
	}
}
