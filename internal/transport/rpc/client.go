package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/xiaot623/fleet/internal/bus"
	"github.com/xiaot623/fleet/internal/protocol"
)

// Client forwards envelopes to relay servers, keeping one connection per
// address.
type Client struct {
	dialTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewClient creates a relay client.
func NewClient(dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	return &Client{dialTimeout: dialTimeout, clients: make(map[string]*rpc.Client)}
}

func (c *Client) client(addr string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[addr]; ok {
		return cl, nil
	}
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	cl := jsonrpc.NewClient(conn)
	c.clients[addr] = cl
	return cl, nil
}

func (c *Client) drop(addr string, cl *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients[addr] == cl {
		delete(c.clients, addr)
	}
	_ = cl.Close()
}

// Forward implements bus.Relay.
func (c *Client) Forward(ctx context.Context, addr string, env bus.Envelope) (protocol.Message, error) {
	cl, err := c.client(addr)
	if err != nil {
		return protocol.Message{}, err
	}

	var reply protocol.Message
	call := cl.Go(serviceName+".Deliver", &env, &reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error == rpc.ErrShutdown {
			c.drop(addr, cl)
			return protocol.Message{}, fmt.Errorf("relay %s: %w", addr, call.Error)
		}
		if call.Error != nil {
			return protocol.Message{}, call.Error
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, cl := range c.clients {
		_ = cl.Close()
		delete(c.clients, addr)
	}
	return nil
}
