package bus

import (
	"context"
	"fmt"

	"github.com/xiaot623/fleet/internal/dispatch"
	"github.com/xiaot623/fleet/internal/protocol"
)

// ServerRPCHandler lets a managed server call bus services. The datagram
// carries service, method, optional params and an optional node (default:
// this node); the reply carries the method's result.
//
// Register it with dispatch.Async: it may wait on the relay.
func ServerRPCHandler(b *Bus) dispatch.HandlerFunc {
	return func(ctx context.Context, msg protocol.Message) (map[string]any, error) {
		service := msg.String("service")
		method := msg.String("method")
		if service == "" || method == "" {
			return nil, fmt.Errorf("rpc from %s: service and method are required", msg.ServerName)
		}
		node := msg.String("node")
		if node == "" {
			node = b.members.NodeID()
		}
		result, err := b.RPC(ctx, node, service, method, msg.Map("params"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": result}, nil
	}
}
