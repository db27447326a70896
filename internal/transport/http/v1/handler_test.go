package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/fleet/internal/bus"
	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/gateway"
	"github.com/xiaot623/fleet/internal/protocol"
)

type fakeMembers struct {
	nodes []domain.Node
	err   error
}

func (m *fakeMembers) NodeID() string    { return "node-a" }
func (m *fakeMembers) Role() domain.Role { return domain.RoleMaster }
func (m *fakeMembers) ListMembers(context.Context) ([]domain.Node, error) {
	return m.nodes, m.err
}

type rpcCall struct {
	node, service, method string
	params                map[string]any
}

type fakeBus struct {
	rpcResult json.RawMessage
	err       error
	reply     protocol.Message

	calls   []rpcCall
	sent    []protocol.Message
	timeout time.Duration
}

func (b *fakeBus) RPC(_ context.Context, nodeID, service, method string, params map[string]any) (json.RawMessage, error) {
	b.calls = append(b.calls, rpcCall{node: nodeID, service: service, method: method, params: params})
	return b.rpcResult, b.err
}

func (b *fakeBus) SendToNode(_ context.Context, _ string, msg protocol.Message) error {
	b.sent = append(b.sent, msg)
	return b.err
}

func (b *fakeBus) SendToNodeSync(_ context.Context, _ string, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	b.sent = append(b.sent, msg)
	b.timeout = timeout
	return b.reply, b.err
}

func newContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHealth(t *testing.T) {
	h := NewHandler(&fakeMembers{}, &fakeBus{}, "1.2.3")
	c, rec := newContext(http.MethodGet, "/health", "")

	if err := h.Health(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["role"] != "master" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestListNodes(t *testing.T) {
	seen := time.UnixMilli(1700000000000)
	members := &fakeMembers{nodes: []domain.Node{
		{NodeID: "node-a", Role: domain.RoleMaster, LastSeen: seen, BusAddr: "10.0.0.1:7070"},
		{NodeID: "node-b", Role: domain.RoleAgent, LastSeen: seen},
	}}
	h := NewHandler(members, &fakeBus{}, "dev")
	c, rec := newContext(http.MethodGet, "/v1/nodes", "")

	if err := h.ListNodes(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Self  string           `json:"self"`
		Nodes []map[string]any `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Self != "node-a" || len(body.Nodes) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Nodes[0]["last_seen"] != float64(1700000000000) {
		t.Fatalf("unexpected last_seen: %v", body.Nodes[0]["last_seen"])
	}
}

func TestListNodesStoreError(t *testing.T) {
	h := NewHandler(&fakeMembers{err: errors.New("db down")}, &fakeBus{}, "dev")
	c, rec := newContext(http.MethodGet, "/v1/nodes", "")

	if err := h.ListNodes(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestListServers(t *testing.T) {
	b := &fakeBus{rpcResult: json.RawMessage(`[{"name":"S1"}]`)}
	h := NewHandler(&fakeMembers{}, b, "dev")
	c, rec := newContext(http.MethodGet, "/v1/nodes/node-b/servers", "")
	c.SetParamNames("node_id")
	c.SetParamValues("node-b")

	if err := h.ListServers(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(b.calls) != 1 || b.calls[0].node != "node-b" || b.calls[0].service != "servers" || b.calls[0].method != "list" {
		t.Fatalf("unexpected calls: %+v", b.calls)
	}
	var body struct {
		Servers []map[string]any `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Servers) != 1 || body.Servers[0]["name"] != "S1" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCallRPCValidation(t *testing.T) {
	h := NewHandler(&fakeMembers{}, &fakeBus{}, "dev")
	c, rec := newContext(http.MethodPost, "/v1/nodes/node-b/rpc", `{"service":"node"}`)
	c.SetParamNames("node_id")
	c.SetParamValues("node-b")

	if err := h.CallRPC(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCallRPCSuccess(t *testing.T) {
	b := &fakeBus{rpcResult: json.RawMessage(`{"pong":true}`)}
	h := NewHandler(&fakeMembers{}, b, "dev")
	c, rec := newContext(http.MethodPost, "/v1/nodes/node-b/rpc", `{"service":"node","method":"ping","params":{"x":1}}`)
	c.SetParamNames("node_id")
	c.SetParamValues("node-b")

	if err := h.CallRPC(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "{\"result\":{\"pong\":true}}\n" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if b.calls[0].params["x"] != json.Number("1") {
		t.Fatalf("params not passed: %+v", b.calls[0].params)
	}
}

func TestCallRPCErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("rpc: %w", bus.ErrUnknownNode), http.StatusNotFound},
		{bus.ErrUnknownMethod, http.StatusNotFound},
		{gateway.ErrUnknownServer, http.StatusNotFound},
		{bus.ErrForbidden, http.StatusForbidden},
		{bus.ErrNoMaster, http.StatusServiceUnavailable},
		{fmt.Errorf("wait: %w", gateway.ErrUnresponsive), http.StatusGatewayTimeout},
		{errors.New("relay: connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := NewHandler(&fakeMembers{}, &fakeBus{err: tc.err}, "dev")
		c, rec := newContext(http.MethodPost, "/v1/nodes/node-b/rpc", `{"service":"node","method":"ping"}`)
		c.SetParamNames("node_id")
		c.SetParamValues("node-b")

		if err := h.CallRPC(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
