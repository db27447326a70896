// Package http provides the control surface served by the master node.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/telemetry"
	v1 "github.com/xiaot623/fleet/internal/transport/http/v1"
	"github.com/xiaot623/fleet/internal/transport/ws"
)

const shutdownTimeout = 5 * time.Second

// NewControlServer creates and configures the control surface HTTP server.
func NewControlServer(members v1.Members, b v1.Bus, events *ws.Server, version string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	v1Handler := v1.NewHandler(members, b, version)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(telemetry.MetricsHandler()))
	if events != nil {
		e.GET("/v1/events", events.HandleEvents)
	}

	return e
}

// ControlSurface runs the control server while the node is master. Each Start
// builds a fresh echo instance since a shut down server cannot be reused.
type ControlSurface struct {
	addr  string
	build func() *echo.Echo
	log   *zap.Logger

	mu sync.Mutex
	e  *echo.Echo
}

// NewControlSurface creates a surface listening on addr once started.
func NewControlSurface(addr string, build func() *echo.Echo, logger *zap.Logger) *ControlSurface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlSurface{addr: addr, build: build, log: logger.Named("http")}
}

// Start binds the listener and serves in the background.
func (s *ControlSurface) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.e != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	e := s.build()
	e.Listener = ln
	s.e = e

	s.log.Info("control surface listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control surface stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down. Stopping a stopped surface is a no-op.
func (s *ControlSurface) Stop(ctx context.Context) error {
	s.mu.Lock()
	e := s.e
	s.e = nil
	s.mu.Unlock()
	if e == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown control surface: %w", err)
	}
	s.log.Info("control surface stopped")
	return nil
}

// Addr returns the bound address, or nil while stopped.
func (s *ControlSurface) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.e == nil || s.e.Listener == nil {
		return nil
	}
	return s.e.Listener.Addr()
}
