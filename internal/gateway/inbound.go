package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/protocol"
	"github.com/xiaot623/fleet/internal/telemetry"
)

// readBufferSize covers the largest possible UDP payload so oversized
// datagrams are seen whole and rejected rather than silently truncated.
const readBufferSize = 65535

// lifecycleEvents maps notification commands to the status they imply.
var lifecycleEvents = map[string]domain.ServerStatus{
	"onMissionLoadBegin": domain.ServerStatusLoading,
	"onMissionLoadEnd":   domain.ServerStatusRunning,
	"onSimulationResume": domain.ServerStatusRunning,
	"onSimulationPause":  domain.ServerStatusPaused,
	"onSimulationStop":   domain.ServerStatusStopped,
	"onShutdown":         domain.ServerStatusShutdown,
}

// listen runs on its own goroutine. It only reads and decodes; everything
// else happens on the loop.
func (g *Gateway) listen() {
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Warn("read failed", zap.Error(err))
			continue
		}
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			g.drop("malformed", zap.Stringer("from", from), zap.Int("bytes", n), zap.Error(err))
			continue
		}
		telemetry.DatagramsTotal.WithLabelValues("in", "ok").Inc()
		if err := g.loop.Submit(func() { g.handle(msg, from) }); err != nil {
			return
		}
	}
}

func (g *Gateway) drop(reason string, fields ...zap.Field) {
	telemetry.DroppedTotal.WithLabelValues(reason).Inc()
	g.log.Warn("dropped message", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// handle runs on the loop.
func (g *Gateway) handle(msg protocol.Message, from *net.UDPAddr) {
	if msg.Command == protocol.CommandRegister {
		g.handleRegister(msg, from)
		return
	}
	if msg.ServerName == "" {
		g.drop("missing_server_name", zap.String("command", msg.Command), zap.Stringer("from", from))
		return
	}
	srv, ok := g.servers.Get(msg.ServerName)
	if !ok {
		g.drop("unknown_server", zap.String("command", msg.Command), zap.String("server", msg.ServerName))
		return
	}
	g.servers.Touch(msg.ServerName)

	switch {
	case msg.Command == protocol.CommandUnregister:
		g.handleUnregister(msg, srv)
	case msg.IsEvent():
		g.handleEvent(msg, srv)
	case protocol.IsOpaqueToken(msg.Channel) && g.pending.Fulfill(msg.Command, msg.Channel, msg):
		telemetry.PendingRequests.Set(float64(g.pending.Len()))
	default:
		if !g.runHandler(msg, srv.Endpoint) {
			// An async command's acknowledgement or a reply that arrived after
			// its waiter gave up.
			telemetry.DroppedTotal.WithLabelValues("unmatched").Inc()
			g.log.Debug("discarded unmatched message",
				zap.String("command", msg.Command),
				zap.String("server", msg.ServerName),
				zap.String("channel", msg.Channel))
		}
	}
}

func (g *Gateway) handleRegister(msg protocol.Message, from *net.UDPAddr) {
	endpoint := registrationEndpoint(msg, from)
	name := msg.ServerName
	if name == "" {
		name = msg.String("name")
	}
	if name == "" {
		name = endpoint.String()
	}

	version := msg.String("hook_version")
	if g.opts.HookVersion != "" && version != g.opts.HookVersion {
		g.log.Error("rejected registration with mismatched hook version",
			zap.String("server", name),
			zap.String("got", version),
			zap.String("want", g.opts.HookVersion))
		telemetry.DroppedTotal.WithLabelValues("version_mismatch").Inc()
		if msg.ExpectsReply() {
			reply := msg.Reply(map[string]any{
				"error":        fmt.Sprintf("hook version %q does not match %q", version, g.opts.HookVersion),
				"hook_version": g.opts.HookVersion,
			})
			reply.ServerName = name
			g.reply(endpoint, reply)
		}
		return
	}

	srv := domain.ManagedServer{
		Name:     name,
		Endpoint: endpoint,
		Status:   domain.ServerStatusUnknown,
		Channels: registrationChannels(msg.Map("channels")),
		Version:  version,
	}
	if st, ok := domain.ParseServerStatus(msg.String("status")); ok {
		srv.Status = st
	}
	if cfg, ok := msg.Get("config"); ok && cfg != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			srv.Config = raw
		}
	}
	existed := g.servers.Upsert(srv)
	telemetry.ManagedServers.Set(float64(g.servers.Len()))
	g.log.Info("server registered",
		zap.String("server", name),
		zap.Stringer("endpoint", endpoint),
		zap.Bool("reregistered", existed))

	stored, _ := g.servers.Get(name)
	if g.hooks.OnRegister != nil {
		g.hooks.OnRegister(stored)
	}
	if msg.ExpectsReply() {
		reply := msg.Reply(map[string]any{"registered": true, "hook_version": g.opts.HookVersion})
		reply.ServerName = name
		g.reply(endpoint, reply)
	}
}

func registrationEndpoint(msg protocol.Message, from *net.UDPAddr) domain.Endpoint {
	ep := domain.Endpoint{Host: msg.String("host")}
	if port, ok := msg.Int64("port"); ok {
		ep.Port = int(port)
	}
	if from != nil {
		if ep.Host == "" {
			ep.Host = from.IP.String()
		}
		if ep.Port == 0 {
			ep.Port = from.Port
		}
	}
	return ep
}

func registrationChannels(raw map[string]any) map[domain.ChannelKind]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[domain.ChannelKind]string, len(raw))
	for _, kind := range []domain.ChannelKind{domain.ChannelStatus, domain.ChannelChat, domain.ChannelAdmin, domain.ChannelEvent} {
		switch v := raw[string(kind)].(type) {
		case string:
			out[kind] = v
		case json.Number:
			out[kind] = v.String()
		case float64:
			out[kind] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return out
}

func (g *Gateway) handleUnregister(msg protocol.Message, srv domain.ManagedServer) {
	g.servers.Remove(srv.Name)
	telemetry.ManagedServers.Set(float64(g.servers.Len()))
	g.log.Info("server unregistered", zap.String("server", srv.Name))
	if g.hooks.OnUnregister != nil {
		g.hooks.OnUnregister(srv.Name)
	}
	if msg.ExpectsReply() {
		g.reply(srv.Endpoint, msg.Reply(nil))
	}
}

func (g *Gateway) handleEvent(msg protocol.Message, srv domain.ManagedServer) {
	status, changed := domain.ServerStatus(""), false
	if msg.Command == protocol.CommandStatus {
		if st, ok := domain.ParseServerStatus(msg.String("status")); ok {
			status, changed = st, true
		}
	} else if st, ok := lifecycleEvents[msg.Command]; ok {
		status, changed = st, true
	}
	if changed {
		if prev, ok := g.servers.SetStatus(srv.Name, status); ok && prev != status {
			g.log.Info("server status changed",
				zap.String("server", srv.Name),
				zap.String("from", string(prev)),
				zap.String("to", string(status)))
		}
		srv.Status = status
	}

	if g.hooks.OnEvent != nil {
		g.hooks.OnEvent(srv, msg)
	}
	g.runHandler(msg, srv.Endpoint)
}

// runHandler invokes the handler registered for msg.Command, if any, and
// replies when the sender asked for one.
func (g *Gateway) runHandler(msg protocol.Message, endpoint domain.Endpoint) bool {
	h, ok := g.dispatcher.Lookup(msg.Command)
	if !ok {
		return false
	}
	if h.Async {
		go g.invoke(msg, endpoint)
	} else {
		g.invoke(msg, endpoint)
	}
	return true
}

func (g *Gateway) invoke(msg protocol.Message, endpoint domain.Endpoint) {
	fields, handled, err := g.dispatcher.Dispatch(g.baseCtx, msg)
	if !handled {
		return
	}
	if err != nil {
		g.log.Error("handler failed", zap.String("command", msg.Command), zap.String("server", msg.ServerName), zap.Error(err))
	}
	if !msg.ExpectsReply() || msg.IsEvent() {
		return
	}
	reply := msg.Reply(fields)
	if err != nil {
		reply.Set("error", err.Error())
	}
	g.reply(endpoint, reply)
}

func (g *Gateway) reply(endpoint domain.Endpoint, msg protocol.Message) {
	addr, err := endpoint.UDPAddr()
	if err != nil {
		g.log.Warn("cannot resolve reply address", zap.Stringer("endpoint", endpoint), zap.Error(err))
		return
	}
	_ = g.write(addr, msg)
}
