// Package natsbus relays service bus envelopes over NATS request/reply.
//
// Every node subscribes to its own subject and advertises that subject as
// its bus address in the node table.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/bus"
	"github.com/xiaot623/fleet/internal/protocol"
)

const defaultDeliverTimeout = 30 * time.Second

// Subject is the bus subject of a node.
func Subject(groupID, nodeID string) string {
	return fmt.Sprintf("fleet.%s.bus.%s", groupID, nodeID)
}

// response is the reply frame of one delivery.
type response struct {
	Reply *protocol.Message `json:"reply,omitempty"`
	Error string            `json:"error,omitempty"`
}

func encodeResponse(reply protocol.Message, err error) []byte {
	var resp response
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Reply = &reply
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		data, _ = json.Marshal(response{Error: mErr.Error()})
	}
	return data
}

func decodeResponse(data []byte) (protocol.Message, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.Message{}, fmt.Errorf("decode relay response: %w", err)
	}
	if resp.Error != "" {
		return protocol.Message{}, errors.New(resp.Error)
	}
	if resp.Reply == nil {
		return protocol.Message{}, nil
	}
	return *resp.Reply, nil
}

// Relay is a NATS-backed bus relay.
type Relay struct {
	nc  *nats.Conn
	sub *nats.Subscription
	log *zap.Logger
}

// Connect dials NATS.
func Connect(url, name string, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("natsbus")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Relay{nc: nc, log: log}, nil
}

// Serve subscribes subject and hands each envelope to d.
func (r *Relay) Serve(subject string, d bus.Deliverer) error {
	sub, err := r.nc.Subscribe(subject, func(m *nats.Msg) {
		go r.handle(m, d)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) handle(m *nats.Msg, d bus.Deliverer) {
	var env bus.Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		r.respond(m, encodeResponse(protocol.Message{}, fmt.Errorf("decode envelope: %w", err)))
		return
	}
	timeout := defaultDeliverTimeout
	if env.TimeoutMs > 0 {
		timeout = time.Duration(env.TimeoutMs)*time.Millisecond + time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := d.Deliver(ctx, env)
	r.respond(m, encodeResponse(reply, err))
}

func (r *Relay) respond(m *nats.Msg, data []byte) {
	if err := m.Respond(data); err != nil {
		r.log.Warn("respond failed", zap.String("subject", m.Subject), zap.Error(err))
	}
}

// Forward implements bus.Relay; addr is the target's subject.
func (r *Relay) Forward(ctx context.Context, addr string, env bus.Envelope) (protocol.Message, error) {
	if r.nc == nil || r.nc.IsClosed() {
		return protocol.Message{}, fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDeliverTimeout)
		defer cancel()
	}
	msg, err := r.nc.RequestWithContext(ctx, addr, data)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("nats request %s: %w", addr, err)
	}
	return decodeResponse(msg.Data)
}

// Close drains the subscription and the connection.
func (r *Relay) Close() {
	if r.nc != nil {
		_ = r.nc.Drain()
		r.nc.Close()
	}
}
