// Package bus routes envelopes and RPC calls between the nodes of a group.
//
// A node delivers envelopes addressed to itself locally: rpc envelopes go to
// its static service table, everything else to the managed server named in
// the envelope through the transport gateway. Envelopes for other nodes are
// relayed through the master, which knows every node's relay address.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/policy"
	"github.com/xiaot623/fleet/internal/protocol"
	"github.com/xiaot623/fleet/internal/telemetry"
	"github.com/xiaot623/fleet/internal/tracing"
)

// maxHops bounds relaying: caller to master, master to target.
const maxHops = 2

var (
	ErrUnknownNode    = errors.New("unknown node")
	ErrNoMaster       = errors.New("group has no master")
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrForbidden      = errors.New("rpc call forbidden")
	ErrHopLimit       = errors.New("relay hop limit exceeded")
	ErrNoRelay        = errors.New("no relay configured")
)

// Envelope is one delivery between nodes.
type Envelope struct {
	Target    string           `json:"target"`
	Origin    string           `json:"origin"`
	Hops      int              `json:"hops"`
	Wait      bool             `json:"wait"`
	TimeoutMs int64            `json:"timeout_ms,omitempty"`
	Message   protocol.Message `json:"message"`
}

func (e Envelope) timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Relay carries envelopes to another node's bus.
type Relay interface {
	Forward(ctx context.Context, addr string, env Envelope) (protocol.Message, error)
}

// Deliverer is the receiving side of a relay.
type Deliverer interface {
	Deliver(ctx context.Context, env Envelope) (protocol.Message, error)
}

// Gateway is the local transport to managed servers.
type Gateway interface {
	SendToServer(ctx context.Context, msg protocol.Message) error
	RequestServer(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error)
}

// Membership answers who this node is and where the others are.
type Membership interface {
	NodeID() string
	IsMaster() bool
	Master(ctx context.Context) (*domain.Node, error)
	Member(ctx context.Context, nodeID string) (*domain.Node, error)
}

// Authorizer decides whether an RPC call may run.
type Authorizer interface {
	Evaluate(ctx context.Context, input policy.Input) (string, string, error)
}

// Method is one RPC operation of a service.
type Method func(ctx context.Context, params map[string]any) (any, error)

// Service is a named, static method table.
type Service struct {
	Name    string
	Methods map[string]Method
}

// Bus is a node's service bus.
type Bus struct {
	members Membership
	gateway Gateway
	relay   Relay
	auth    Authorizer
	log     *zap.Logger

	mu       sync.RWMutex
	services map[string]Service
}

// New creates a bus. relay and auth may be nil; without a relay only local
// deliveries work, without an authorizer every call is allowed.
func New(members Membership, gw Gateway, relay Relay, auth Authorizer, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		members:  members,
		gateway:  gw,
		relay:    relay,
		auth:     auth,
		log:      logger.Named("bus"),
		services: make(map[string]Service),
	}
}

// SetRelay installs the relay used for remote deliveries.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
}

// Register adds a local service.
func (b *Bus) Register(svc Service) error {
	if svc.Name == "" {
		return fmt.Errorf("service name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.services[svc.Name]; exists {
		return fmt.Errorf("service %q already registered", svc.Name)
	}
	b.services[svc.Name] = svc
	return nil
}

type originKey struct{}

// WithOrigin tags calls made with ctx as coming from origin instead of
// this node.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func (b *Bus) origin(ctx context.Context) string {
	if o, ok := ctx.Value(originKey{}).(string); ok && o != "" {
		return o
	}
	return b.members.NodeID()
}

// SendToNode delivers msg to nodeID without waiting for a reply from the
// managed server.
func (b *Bus) SendToNode(ctx context.Context, nodeID string, msg protocol.Message) error {
	_, err := b.Deliver(ctx, Envelope{Target: nodeID, Origin: b.origin(ctx), Message: msg})
	return err
}

// SendToNodeSync delivers msg to nodeID and waits for the managed server's
// reply.
func (b *Bus) SendToNodeSync(ctx context.Context, nodeID string, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	return b.Deliver(ctx, Envelope{
		Target:    nodeID,
		Origin:    b.origin(ctx),
		Wait:      true,
		TimeoutMs: timeout.Milliseconds(),
		Message:   msg,
	})
}

// RPC calls service.method on nodeID and returns the JSON-encoded result.
func (b *Bus) RPC(ctx context.Context, nodeID, service, method string, params map[string]any) (json.RawMessage, error) {
	msg := protocol.New(protocol.CommandRPC, "")
	msg.Set("service", service)
	msg.Set("method", method)
	if params != nil {
		msg.Set("params", params)
	}
	reply, err := b.Deliver(ctx, Envelope{Target: nodeID, Origin: b.origin(ctx), Wait: true, Message: msg})
	if err != nil {
		return nil, err
	}
	result, ok := reply.Get("result")
	if !ok || result == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode rpc result: %w", err)
	}
	return raw, nil
}

// Deliver routes env to its target node. Relays call it for envelopes
// arriving from other nodes.
func (b *Bus) Deliver(ctx context.Context, env Envelope) (protocol.Message, error) {
	self := b.members.NodeID()
	if env.Target == "" {
		env.Target = self
	}

	route := "local"
	if env.Target != self {
		route = "relay"
	}
	ctx, span := tracing.Tracer().Start(ctx, "bus.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("fleet.target", env.Target),
		attribute.String("fleet.origin", env.Origin),
		attribute.String("fleet.command", env.Message.Command),
		attribute.String("fleet.route", route),
	)

	var reply protocol.Message
	var err error
	if route == "local" {
		reply, err = b.deliverLocal(ctx, env)
	} else {
		reply, err = b.forward(ctx, env)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.BusCalls.WithLabelValues(route, outcome).Inc()
	return reply, err
}

func (b *Bus) forward(ctx context.Context, env Envelope) (protocol.Message, error) {
	if env.Hops >= maxHops {
		return protocol.Message{}, fmt.Errorf("%w: %s to %s", ErrHopLimit, env.Origin, env.Target)
	}
	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay == nil {
		return protocol.Message{}, ErrNoRelay
	}

	var via *domain.Node
	var err error
	if b.members.IsMaster() {
		via, err = b.members.Member(ctx, env.Target)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("look up node %s: %w", env.Target, err)
		}
		if via == nil || via.BusAddr == "" {
			return protocol.Message{}, fmt.Errorf("%w: %s", ErrUnknownNode, env.Target)
		}
	} else {
		via, err = b.members.Master(ctx)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("look up master: %w", err)
		}
		if via == nil || via.BusAddr == "" {
			return protocol.Message{}, ErrNoMaster
		}
	}

	env.Hops++
	b.log.Debug("relaying envelope",
		zap.String("target", env.Target),
		zap.String("via", via.NodeID),
		zap.Int("hops", env.Hops))
	reply, err := relay.Forward(ctx, via.BusAddr, env)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("relay to %s via %s: %w", env.Target, via.NodeID, err)
	}
	return reply, nil
}

func (b *Bus) deliverLocal(ctx context.Context, env Envelope) (protocol.Message, error) {
	if env.Message.Command == protocol.CommandRPC {
		return b.invoke(ctx, env)
	}
	if b.gateway == nil {
		return protocol.Message{}, fmt.Errorf("no gateway on node %s", env.Target)
	}
	if env.Wait {
		return b.gateway.RequestServer(ctx, env.Message, env.timeout())
	}
	return protocol.Message{}, b.gateway.SendToServer(ctx, env.Message)
}

func (b *Bus) invoke(ctx context.Context, env Envelope) (protocol.Message, error) {
	msg := env.Message
	svcName, methodName := msg.String("service"), msg.String("method")

	b.mu.RLock()
	svc, ok := b.services[svcName]
	b.mu.RUnlock()
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: %q", ErrUnknownService, svcName)
	}
	method, ok := svc.Methods[methodName]
	if !ok {
		return protocol.Message{}, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, svcName, methodName)
	}
	params := msg.Map("params")

	if b.auth != nil {
		decision, reason, err := b.auth.Evaluate(ctx, policy.Input{
			Origin:  env.Origin,
			Target:  env.Target,
			Service: svcName,
			Method:  methodName,
			Params:  params,
		})
		if err != nil {
			return protocol.Message{}, fmt.Errorf("authorize %s.%s: %w", svcName, methodName, err)
		}
		if decision != policy.DecisionAllow {
			b.log.Warn("rpc denied",
				zap.String("service", svcName),
				zap.String("method", methodName),
				zap.String("origin", env.Origin),
				zap.String("reason", reason))
			return protocol.Message{}, fmt.Errorf("%w: %s.%s: %s", ErrForbidden, svcName, methodName, reason)
		}
	}

	result, err := method(ctx, params)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%s.%s: %w", svcName, methodName, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("encode %s.%s result: %w", svcName, methodName, err)
	}
	return msg.Reply(map[string]any{"result": json.RawMessage(raw)}), nil
}
