package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleet/internal/protocol"
)

// CommandRequest is a command for one managed server. WaitMs > 0 waits that
// long for the server's reply.
type CommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	WaitMs  int64          `json:"wait_ms,omitempty"`
}

// SendCommand sends a command to a managed server through its node.
// POST /v1/nodes/:node_id/servers/:server_name/commands
func (h *Handler) SendCommand(c echo.Context) error {
	nodeID := c.Param("node_id")
	serverName := c.Param("server_name")

	var req CommandRequest
	if err := bindJSON(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	switch req.Command {
	case "":
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "command is required"})
	case protocol.CommandRPC, protocol.CommandRegister, protocol.CommandUnregister:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "reserved command: " + req.Command})
	}

	msg := protocol.New(req.Command, serverName)
	for k, v := range req.Params {
		if k == protocol.KeyCommand || k == protocol.KeyServerName || k == protocol.KeyChannel {
			continue
		}
		msg.Set(k, v)
	}

	if req.WaitMs <= 0 {
		if err := h.bus.SendToNode(busContext(c), nodeID, msg); err != nil {
			return errorJSON(c, err)
		}
		return c.JSON(http.StatusAccepted, map[string]interface{}{"sent": true})
	}

	reply, err := h.bus.SendToNodeSync(busContext(c), nodeID, msg, time.Duration(req.WaitMs)*time.Millisecond)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"reply": reply})
}
