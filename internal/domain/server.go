package domain

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// Endpoint is where a managed server listens for datagrams.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String renders host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// UDPAddr resolves the endpoint.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.String())
}

// ManagedServer is a game server instance tracked by this node.
type ManagedServer struct {
	Name          string                 `json:"name"`
	Endpoint      Endpoint               `json:"endpoint"`
	Status        ServerStatus           `json:"status"`
	Channels      map[ChannelKind]string `json:"channels,omitempty"`
	Config        json.RawMessage        `json:"config,omitempty"`
	Version       string                 `json:"version"`
	RegisteredAt  time.Time              `json:"registered_at"`
	LastMessageAt time.Time              `json:"last_message_at"`
}

// Clone returns a copy safe to hand to other goroutines.
func (s *ManagedServer) Clone() ManagedServer {
	c := *s
	if s.Channels != nil {
		c.Channels = make(map[ChannelKind]string, len(s.Channels))
		for k, v := range s.Channels {
			c.Channels[k] = v
		}
	}
	if s.Config != nil {
		c.Config = append(json.RawMessage(nil), s.Config...)
	}
	return c
}
