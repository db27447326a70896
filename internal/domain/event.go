package domain

import "time"

// Event is an unsolicited notification from a managed server, as streamed to
// control-surface subscribers.
type Event struct {
	ID      string         `json:"id"`
	NodeID  string         `json:"node_id"`
	Server  string         `json:"server"`
	Command string         `json:"command"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}
