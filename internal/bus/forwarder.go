package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/protocol"
	"github.com/xiaot623/fleet/internal/telemetry"
)

// NewEvent converts an inbound event message into a hub event.
func NewEvent(nodeID string, msg protocol.Message) domain.Event {
	return domain.Event{
		ID:      uuid.New().String(),
		NodeID:  nodeID,
		Server:  msg.ServerName,
		Command: msg.Command,
		Payload: msg.Clone().Fields,
		At:      time.Now().UTC(),
	}
}

// EventForwarder publishes events to the master's hub from a queue, so the
// gateway's loop never waits on the network.
type EventForwarder struct {
	bus     *Bus
	members Membership
	queue   chan domain.Event
	timeout time.Duration
	log     *zap.Logger
}

// NewEventForwarder creates a forwarder holding up to buffer queued events.
func NewEventForwarder(b *Bus, buffer int, logger *zap.Logger) *EventForwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventForwarder{
		bus:     b,
		members: b.members,
		queue:   make(chan domain.Event, buffer),
		timeout: 5 * time.Second,
		log:     logger.Named("events"),
	}
}

// Enqueue queues ev without blocking. It reports false when the queue is
// full and the event was dropped.
func (f *EventForwarder) Enqueue(ev domain.Event) bool {
	select {
	case f.queue <- ev:
		return true
	default:
		telemetry.DroppedTotal.WithLabelValues("event_queue_full").Inc()
		return false
	}
}

// Run publishes queued events until ctx is done.
func (f *EventForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.queue:
			f.publish(ctx, ev)
		}
	}
}

func (f *EventForwarder) publish(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := f.members.NodeID()
	if !f.members.IsMaster() {
		master, err := f.members.Master(ctx)
		if err != nil || master == nil {
			telemetry.DroppedTotal.WithLabelValues("event_no_master").Inc()
			f.log.Debug("no master for event", zap.String("command", ev.Command), zap.Error(err))
			return
		}
		target = master.NodeID
	}
	if _, err := f.bus.RPC(ctx, target, "events", "publish", map[string]any{"event": ev}); err != nil {
		f.log.Warn("event forward failed",
			zap.String("command", ev.Command),
			zap.String("server", ev.Server),
			zap.Error(err))
	}
}
