// Package gateway exchanges datagrams with the game servers a node manages.
//
// The gateway owns the node's event loop. The server registry and the
// correlation table live on that loop; every exported method reaches them
// through Loop.Call, so callers may use a Gateway from any goroutine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/correlation"
	"github.com/xiaot623/fleet/internal/dispatch"
	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/eventloop"
	"github.com/xiaot623/fleet/internal/protocol"
	"github.com/xiaot623/fleet/internal/registry"
	"github.com/xiaot623/fleet/internal/telemetry"
	"github.com/xiaot623/fleet/internal/tracing"
)

var (
	// ErrUnresponsive is returned when a request got no reply in time.
	ErrUnresponsive = errors.New("server did not reply in time")
	// ErrUnknownServer is returned for a server name that is not registered.
	ErrUnknownServer = errors.New("unknown server")
	// ErrNotStarted is returned by send operations before Start.
	ErrNotStarted = errors.New("gateway not started")
)

// Options configures a Gateway.
type Options struct {
	ListenAddr           string
	HookVersion          string
	RequestTimeout       time.Duration
	MaxPendingPerCommand int
	SweepInterval        time.Duration
}

// Hooks observe registry changes and events. They run on the event loop and
// must not block.
type Hooks struct {
	OnRegister   func(srv domain.ManagedServer)
	OnUnregister func(name string)
	OnEvent      func(srv domain.ManagedServer, msg protocol.Message)
}

// Gateway is the node's transport to its managed servers.
type Gateway struct {
	opts       Options
	log        *zap.Logger
	loop       *eventloop.Loop
	dispatcher *dispatch.Dispatcher
	hooks      Hooks

	// Owned by the loop.
	servers   *registry.Registry
	pending   *correlation.Table
	lastToken uint64

	conn     *net.UDPConn
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a gateway. Handlers registered on d serve inbound requests and
// events.
func New(opts Options, d *dispatch.Dispatcher, logger *zap.Logger) *Gateway {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if d == nil {
		d = dispatch.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		opts:       opts,
		log:        logger.Named("gateway"),
		loop:       eventloop.New(0, logger),
		dispatcher: d,
		servers:    registry.New(),
		pending:    correlation.NewTable(opts.MaxPendingPerCommand),
	}
}

// SetHooks installs observers. Call it before Start.
func (g *Gateway) SetHooks(h Hooks) {
	g.hooks = h
}

// Start binds the UDP socket and starts the event loop, the listener and the
// pending-request sweeper.
func (g *Gateway) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", g.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address %q: %w", g.opts.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	g.conn = conn
	g.baseCtx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(3)
	go func() {
		defer g.wg.Done()
		g.loop.Run(g.baseCtx)
	}()
	go func() {
		defer g.wg.Done()
		g.listen()
	}()
	go func() {
		defer g.wg.Done()
		g.loop.Every(g.baseCtx, g.opts.SweepInterval, g.sweep)
	}()

	g.log.Info("gateway listening", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// Close stops the listener and the event loop.
func (g *Gateway) Close() error {
	var err error
	g.stopOnce.Do(func() {
		if g.conn == nil {
			return
		}
		g.cancel()
		g.loop.Stop()
		err = g.conn.Close()
		g.wg.Wait()
	})
	return err
}

// LocalAddr returns the bound UDP address.
func (g *Gateway) LocalAddr() *net.UDPAddr {
	if g.conn == nil {
		return nil
	}
	return g.conn.LocalAddr().(*net.UDPAddr)
}

// Send encodes msg and writes it to endpoint without waiting for a reply.
func (g *Gateway) Send(ctx context.Context, endpoint domain.Endpoint, msg protocol.Message) error {
	if g.conn == nil {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := endpoint.UDPAddr()
	if err != nil {
		return fmt.Errorf("resolve %s: %w", endpoint, err)
	}
	return g.write(addr, msg)
}

func (g *Gateway) write(addr *net.UDPAddr, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		telemetry.DatagramsTotal.WithLabelValues("out", "encode_error").Inc()
		return fmt.Errorf("encode %s: %w", msg.Command, err)
	}
	if _, err := g.conn.WriteToUDP(data, addr); err != nil {
		telemetry.DatagramsTotal.WithLabelValues("out", "error").Inc()
		g.log.Warn("send failed", zap.String("command", msg.Command), zap.Stringer("to", addr), zap.Error(err))
		return fmt.Errorf("send %s to %s: %w", msg.Command, addr, err)
	}
	telemetry.DatagramsTotal.WithLabelValues("out", "ok").Inc()
	return nil
}

// SendAndAwaitReply sends msg and blocks until the matching reply arrives or
// timeout elapses. An opaque token already in msg.Channel is reused;
// otherwise one is generated. A timeout of zero uses the configured default.
func (g *Gateway) SendAndAwaitReply(ctx context.Context, endpoint domain.Endpoint, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if g.conn == nil {
		return protocol.Message{}, ErrNotStarted
	}
	if timeout <= 0 {
		timeout = g.opts.RequestTimeout
	}

	ctx, span := tracing.Tracer().Start(ctx, "gateway.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("fleet.command", msg.Command),
		attribute.String("fleet.server", msg.ServerName),
	)
	started := time.Now()

	var p *correlation.Pending
	var regErr error
	if err := g.loop.Call(ctx, func() {
		if !protocol.IsOpaqueToken(msg.Channel) {
			msg.Channel = g.newToken(msg.Command)
		}
		p, regErr = g.pending.Register(msg.Command, msg.Channel, timeout)
		telemetry.PendingRequests.Set(float64(g.pending.Len()))
	}); err != nil {
		return protocol.Message{}, err
	}
	if regErr != nil {
		span.RecordError(regErr)
		span.SetStatus(codes.Error, "register")
		return protocol.Message{}, fmt.Errorf("request %s: %w", msg.Command, regErr)
	}
	defer g.release(p)

	if err := g.Send(ctx, endpoint, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		telemetry.ObserveRequest("send_error", started)
		return protocol.Message{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := p.Wait(waitCtx)
	switch {
	case err == nil:
		telemetry.ObserveRequest("ok", started)
		return reply, nil
	case errors.Is(err, correlation.ErrExpired),
		errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		telemetry.ObserveRequest("timeout", started)
		span.SetStatus(codes.Error, "timeout")
		g.log.Warn("no reply",
			zap.String("command", msg.Command),
			zap.String("server", msg.ServerName),
			zap.Duration("timeout", timeout))
		return protocol.Message{}, fmt.Errorf("%w: %s to %s after %s", ErrUnresponsive, msg.Command, endpoint, timeout)
	default:
		telemetry.ObserveRequest("cancelled", started)
		return protocol.Message{}, err
	}
}

func (g *Gateway) release(p *correlation.Pending) {
	_ = g.loop.Call(context.Background(), func() {
		g.pending.Remove(p)
		telemetry.PendingRequests.Set(float64(g.pending.Len()))
	})
}

// newToken runs on the loop. Tokens never collide with the reply-route
// sentinels because they start at 1 and only grow.
func (g *Gateway) newToken(command string) string {
	for {
		g.lastToken++
		token := strconv.FormatUint(g.lastToken, 10)
		if !g.pending.Has(command, token) {
			return token
		}
	}
}

// SendToServer sends msg to the registered server named by msg.ServerName.
func (g *Gateway) SendToServer(ctx context.Context, msg protocol.Message) error {
	endpoint, err := g.endpointOf(ctx, msg.ServerName)
	if err != nil {
		return err
	}
	return g.Send(ctx, endpoint, msg)
}

// RequestServer is SendAndAwaitReply addressed by server name.
func (g *Gateway) RequestServer(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	endpoint, err := g.endpointOf(ctx, msg.ServerName)
	if err != nil {
		return protocol.Message{}, err
	}
	return g.SendAndAwaitReply(ctx, endpoint, msg, timeout)
}

func (g *Gateway) endpointOf(ctx context.Context, name string) (domain.Endpoint, error) {
	var srv domain.ManagedServer
	var ok bool
	if err := g.loop.Call(ctx, func() { srv, ok = g.servers.Get(name) }); err != nil {
		return domain.Endpoint{}, err
	}
	if !ok {
		return domain.Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	return srv.Endpoint, nil
}

// Servers lists the registered servers.
func (g *Gateway) Servers(ctx context.Context) ([]domain.ManagedServer, error) {
	var out []domain.ManagedServer
	err := g.loop.Call(ctx, func() { out = g.servers.List() })
	return out, err
}

// Server returns one registered server.
func (g *Gateway) Server(ctx context.Context, name string) (domain.ManagedServer, bool, error) {
	var srv domain.ManagedServer
	var ok bool
	err := g.loop.Call(ctx, func() { srv, ok = g.servers.Get(name) })
	return srv, ok, err
}

// PendingCount returns the number of requests waiting for replies.
func (g *Gateway) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := g.loop.Call(ctx, func() { n = g.pending.Len() })
	return n, err
}

func (g *Gateway) sweep() {
	expired := g.pending.Sweep()
	if len(expired) == 0 {
		return
	}
	telemetry.PendingRequests.Set(float64(g.pending.Len()))
	for _, p := range expired {
		g.log.Debug("pending request expired",
			zap.String("command", p.Command),
			zap.String("token", p.Token))
	}
}
