package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// RPCRequest is the body of an RPC call.
type RPCRequest struct {
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// ListNodes lists every node of the group.
// GET /v1/nodes
func (h *Handler) ListNodes(c echo.Context) error {
	ctx := c.Request().Context()

	nodes, err := h.members.ListMembers(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	nodeList := make([]map[string]interface{}, len(nodes))
	for i, n := range nodes {
		nodeList[i] = map[string]interface{}{
			"node_id":    n.NodeID,
			"role":       n.Role,
			"bus_addr":   n.BusAddr,
			"last_seen":  n.LastSeen.UnixMilli(),
			"started_at": n.StartedAt.UnixMilli(),
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"self":  h.members.NodeID(),
		"nodes": nodeList,
	})
}

// ListServers lists the managed servers of one node.
// GET /v1/nodes/:node_id/servers
func (h *Handler) ListServers(c echo.Context) error {
	nodeID := c.Param("node_id")

	result, err := h.bus.RPC(busContext(c), nodeID, "servers", "list", nil)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"servers": nullable(result)})
}

// CallRPC invokes a service method on one node.
// POST /v1/nodes/:node_id/rpc
func (h *Handler) CallRPC(c echo.Context) error {
	nodeID := c.Param("node_id")

	var req RPCRequest
	if err := bindJSON(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Service == "" || req.Method == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "service and method are required"})
	}

	result, err := h.bus.RPC(busContext(c), nodeID, req.Service, req.Method, req.Params)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"result": nullable(result)})
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
