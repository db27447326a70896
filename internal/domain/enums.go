// Package domain defines the core domain models for the fleet control plane.
package domain

// Role is a node's position in the election.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleMaster Role = "master"
)

// ServerStatus is the lifecycle status of a managed game server.
type ServerStatus string

const (
	ServerStatusUnknown  ServerStatus = "unknown"
	ServerStatusLoading  ServerStatus = "loading"
	ServerStatusRunning  ServerStatus = "running"
	ServerStatusPaused   ServerStatus = "paused"
	ServerStatusStopped  ServerStatus = "stopped"
	ServerStatusShutdown ServerStatus = "shutdown"
)

// ParseServerStatus maps a wire value to a status; unrecognised values map to
// ServerStatusUnknown.
func ParseServerStatus(s string) (ServerStatus, bool) {
	switch st := ServerStatus(s); st {
	case ServerStatusUnknown, ServerStatusLoading, ServerStatusRunning,
		ServerStatusPaused, ServerStatusStopped, ServerStatusShutdown:
		return st, true
	}
	return ServerStatusUnknown, false
}

// ChannelKind names one of a server's notification channels.
type ChannelKind string

const (
	ChannelStatus ChannelKind = "status"
	ChannelChat   ChannelKind = "chat"
	ChannelAdmin  ChannelKind = "admin"
	ChannelEvent  ChannelKind = "event"
)
