package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/snapshot"
)

// ServerDirectory reads the local server registry.
type ServerDirectory interface {
	Servers(ctx context.Context) ([]domain.ManagedServer, error)
	Server(ctx context.Context, name string) (domain.ManagedServer, bool, error)
}

// SnapshotReader reads last-known server configuration.
type SnapshotReader interface {
	Get(name string) (*snapshot.Snapshot, error)
}

// EventPublisher fans events out to subscribers.
type EventPublisher interface {
	Publish(ev domain.Event)
}

// NodeIdentity describes the local node.
type NodeIdentity interface {
	NodeID() string
	GroupID() string
	Role() domain.Role
}

// NodeInfo is the result of node.info.
type NodeInfo struct {
	NodeID    string      `json:"node_id"`
	GroupID   string      `json:"group_id"`
	Role      domain.Role `json:"role"`
	StartedAt time.Time   `json:"started_at"`
	Servers   int         `json:"servers"`
}

// NodeService answers liveness and identity questions about this node.
func NodeService(id NodeIdentity, dir ServerDirectory, startedAt time.Time) Service {
	return Service{
		Name: "node",
		Methods: map[string]Method{
			"ping": func(ctx context.Context, _ map[string]any) (any, error) {
				return map[string]any{"node_id": id.NodeID(), "time": time.Now().UTC()}, nil
			},
			"info": func(ctx context.Context, _ map[string]any) (any, error) {
				servers, err := dir.Servers(ctx)
				if err != nil {
					return nil, err
				}
				return NodeInfo{
					NodeID:    id.NodeID(),
					GroupID:   id.GroupID(),
					Role:      id.Role(),
					StartedAt: startedAt,
					Servers:   len(servers),
				}, nil
			},
		},
	}
}

// ServersService exposes the local server registry read-only.
func ServersService(dir ServerDirectory, snaps SnapshotReader) Service {
	return Service{
		Name: "servers",
		Methods: map[string]Method{
			"list": func(ctx context.Context, _ map[string]any) (any, error) {
				return dir.Servers(ctx)
			},
			"get": func(ctx context.Context, params map[string]any) (any, error) {
				name, err := stringParam(params, "name")
				if err != nil {
					return nil, err
				}
				srv, ok, err := dir.Server(ctx, name)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, fmt.Errorf("server %q not registered", name)
				}
				return srv, nil
			},
			"snapshot": func(ctx context.Context, params map[string]any) (any, error) {
				if snaps == nil {
					return nil, errors.New("snapshots are not kept on this node")
				}
				name, err := stringParam(params, "name")
				if err != nil {
					return nil, err
				}
				return snaps.Get(name)
			},
		},
	}
}

// EventsService accepts events forwarded by other nodes.
func EventsService(pub EventPublisher) Service {
	return Service{
		Name: "events",
		Methods: map[string]Method{
			"publish": func(ctx context.Context, params map[string]any) (any, error) {
				var ev domain.Event
				if err := decodeParam(params, "event", &ev); err != nil {
					return nil, err
				}
				if ev.Command == "" {
					return nil, errors.New("event command is required")
				}
				pub.Publish(ev)
				return map[string]any{"accepted": true}, nil
			},
		},
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	s, _ := params[key].(string)
	if s == "" {
		return "", fmt.Errorf("param %q is required", key)
	}
	return s, nil
}

// decodeParam converts params[key] into out. Local calls pass Go values,
// relayed calls pass decoded JSON; both go through a JSON round trip.
func decodeParam(params map[string]any, key string, out any) error {
	v, ok := params[key]
	if !ok || v == nil {
		return fmt.Errorf("param %q is required", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("param %q: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("param %q: %w", key, err)
	}
	return nil
}
