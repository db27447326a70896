// Package protocol defines the datagram envelope exchanged between a node and
// the game servers it manages.
package protocol

import (
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reserved envelope keys.
const (
	KeyCommand    = "command"
	KeyServerName = "server_name"
	KeyChannel    = "channel"
)

// Reply routes carried in the channel field.
const (
	// ChannelNoReply means no specific reply route; the peer falls back to the
	// server's default notification channel.
	ChannelNoReply = "-1"
	// ChannelInline asks for a synchronous inline reply.
	ChannelInline = "0"
)

// Well-known commands.
const (
	CommandRegister   = "registerServer"
	CommandUnregister = "unregisterServer"
	CommandRPC        = "rpc"
	CommandStatus     = "onServerStatus"
)

// MaxDatagramSize is the hard cap for one encoded envelope.
const MaxDatagramSize = 65504

// MaxSafeInteger is the largest integer the peer's scripting runtime can
// represent exactly (2^53 - 1). Larger magnitudes travel as strings.
const MaxSafeInteger = 1<<53 - 1

// Message is one envelope. Fields holds every key except the reserved ones.
type Message struct {
	Command    string
	ServerName string
	Channel    string
	Fields     map[string]any
}

// New creates a message for a command addressed to a server.
func New(command, serverName string) Message {
	return Message{Command: command, ServerName: serverName, Fields: map[string]any{}}
}

// Set stores a payload field. Reserved keys update the envelope header instead.
func (m *Message) Set(key string, value any) {
	switch key {
	case KeyCommand:
		m.Command, _ = value.(string)
		return
	case KeyServerName:
		m.ServerName, _ = value.(string)
		return
	case KeyChannel:
		m.Channel = channelString(value)
		return
	}
	if m.Fields == nil {
		m.Fields = map[string]any{}
	}
	m.Fields[key] = value
}

// Get returns a payload field.
func (m Message) Get(key string) (any, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// String returns a payload field rendered as a string. Numbers are formatted
// with their exact decimal digits.
func (m Message) String(key string) string {
	v, ok := m.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case interface{ String() string }:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// Int64 returns a payload field as an integer, accepting numbers and
// numeric strings.
func (m Message) Int64(key string) (int64, bool) {
	v, ok := m.Fields[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t != math.Trunc(t) || t < math.MinInt64 || t >= math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	case interface{ Int64() (int64, error) }:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}

// Map returns a nested object field.
func (m Message) Map(key string) map[string]any {
	v, _ := m.Fields[key].(map[string]any)
	return v
}

// ExpectsReply reports whether the sender asked for a reply datagram.
func (m Message) ExpectsReply() bool {
	return m.Channel != "" && m.Channel != ChannelNoReply
}

// IsEvent reports whether the message is an unsolicited notification.
func (m Message) IsEvent() bool {
	return IsEvent(m.Command)
}

// Reply builds the answer to m: same command, server and reply route.
func (m Message) Reply(fields map[string]any) Message {
	r := Message{Command: m.Command, ServerName: m.ServerName, Channel: m.Channel, Fields: map[string]any{}}
	for k, v := range fields {
		if k == KeyCommand || k == KeyServerName || k == KeyChannel {
			continue
		}
		r.Fields[k] = v
	}
	return r
}

// Clone returns a copy with its own top-level field map.
func (m Message) Clone() Message {
	c := m
	c.Fields = make(map[string]any, len(m.Fields))
	for k, v := range m.Fields {
		c.Fields[k] = v
	}
	return c
}

// IsEvent reports whether a command name follows the event convention:
// an "event" prefix or an "on" prefix followed by an upper-case letter
// (onPlayerStart, onMissionLoadEnd).
func IsEvent(command string) bool {
	if strings.HasPrefix(command, "event") {
		return true
	}
	rest, ok := strings.CutPrefix(command, "on")
	if !ok || rest == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsUpper(r)
}

// IsOpaqueToken reports whether a channel value is a correlation token rather
// than one of the reply-route sentinels.
func IsOpaqueToken(channel string) bool {
	return channel != "" && channel != ChannelNoReply && channel != ChannelInline
}

func channelString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case interface{ String() string }:
		return t.String()
	}
	return ""
}
