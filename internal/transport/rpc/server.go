// Package rpc relays service bus envelopes between nodes over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/bus"
	"github.com/xiaot623/fleet/internal/protocol"
)

// serviceName is the JSON-RPC service the relay registers.
const serviceName = "Bus"

// defaultDeliverTimeout bounds deliveries that carry no timeout of their own.
const defaultDeliverTimeout = 30 * time.Second

// Server accepts envelopes from other nodes.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	log       *zap.Logger
	done      chan struct{}
}

// NewServer creates a relay server delivering into d.
func NewServer(d bus.Deliverer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{bus: d}
	if err := rpcServer.RegisterName(serviceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		log:       logger.Named("relay"),
		done:      make(chan struct{}),
	}, nil
}

// Listen binds addr. Call Serve afterwards.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("relay server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.Warn("accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Start binds addr and serves; it blocks until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the relay RPC methods.
type Handler struct {
	bus bus.Deliverer
}

// Deliver hands an envelope to the local bus.
func (h *Handler) Deliver(req *bus.Envelope, resp *protocol.Message) error {
	if req == nil {
		return errors.New("envelope is required")
	}
	if req.Message.Command == "" {
		return errors.New("envelope message command is required")
	}

	timeout := defaultDeliverTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs)*time.Millisecond + time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := h.bus.Deliver(ctx, *req)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = reply
	}
	return nil
}
