// Package v1 provides the control surface HTTP handlers.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleet/internal/bus"
	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/gateway"
	"github.com/xiaot623/fleet/internal/protocol"
)

// OriginHTTP tags bus calls made on behalf of the control surface.
const OriginHTTP = "http"

// Members is the group view of the node serving the surface.
type Members interface {
	NodeID() string
	Role() domain.Role
	ListMembers(ctx context.Context) ([]domain.Node, error)
}

// Bus reaches the nodes of the group.
type Bus interface {
	RPC(ctx context.Context, nodeID, service, method string, params map[string]any) (json.RawMessage, error)
	SendToNode(ctx context.Context, nodeID string, msg protocol.Message) error
	SendToNodeSync(ctx context.Context, nodeID string, msg protocol.Message, timeout time.Duration) (protocol.Message, error)
}

// Handler handles HTTP requests.
type Handler struct {
	members Members
	bus     Bus
	version string
}

// NewHandler creates a new handler.
func NewHandler(members Members, b Bus, version string) *Handler {
	return &Handler{
		members: members,
		bus:     b,
		version: version,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/nodes", h.ListNodes)
	e.GET("/v1/nodes/:node_id/servers", h.ListServers)
	e.POST("/v1/nodes/:node_id/rpc", h.CallRPC)
	e.POST("/v1/nodes/:node_id/servers/:server_name/commands", h.SendCommand)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
		"node_id": h.members.NodeID(),
		"role":    string(h.members.Role()),
	})
}

func busContext(c echo.Context) context.Context {
	return bus.WithOrigin(c.Request().Context(), OriginHTTP)
}

// statusFor maps bus and gateway errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bus.ErrUnknownNode),
		errors.Is(err, bus.ErrUnknownService),
		errors.Is(err, bus.ErrUnknownMethod),
		errors.Is(err, gateway.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, bus.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, bus.ErrNoMaster), errors.Is(err, bus.ErrNoRelay):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUnresponsive), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// bindJSON decodes the request body keeping numbers as json.Number, so
// integers beyond float64 precision reach the datagram intact. An empty body
// leaves out untouched.
func bindJSON(c echo.Context, out any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}
