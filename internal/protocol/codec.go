package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

var (
	// ErrMessageTooLarge is returned when an envelope exceeds MaxDatagramSize.
	ErrMessageTooLarge = errors.New("message exceeds datagram size limit")
	// ErrMalformed is returned for payloads that are not a valid envelope.
	ErrMalformed = errors.New("malformed message")
)

// MarshalJSON flattens the envelope into a single JSON object. Integers
// outside the peer's safe range are written as strings.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+3)
	for k, v := range m.Fields {
		if k == KeyCommand || k == KeyServerName || k == KeyChannel {
			continue
		}
		s, err := sanitize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = s
	}
	out[KeyCommand] = m.Command
	if m.ServerName != "" {
		out[KeyServerName] = m.ServerName
	}
	if m.Channel != "" {
		out[KeyChannel] = m.Channel
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a flat JSON object. Numbers are kept as json.Number so
// no precision is lost before a handler interprets them.
func (m *Message) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: not an object", ErrMalformed)
	}

	cmd, ok := raw[KeyCommand].(string)
	if !ok {
		return fmt.Errorf("%w: command must be a string", ErrMalformed)
	}
	m.Command = cmd
	m.ServerName = ""
	if v, exists := raw[KeyServerName]; exists && v != nil {
		name, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: server_name must be a string", ErrMalformed)
		}
		m.ServerName = name
	}
	m.Channel = channelString(raw[KeyChannel])

	delete(raw, KeyCommand)
	delete(raw, KeyServerName)
	delete(raw, KeyChannel)
	m.Fields = raw
	return nil
}

// Encode serializes a message for the wire and enforces the size cap.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Command, err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrMessageTooLarge, m.Command, len(data), MaxDatagramSize)
	}
	return data, nil
}

// Decode parses one datagram payload.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxDatagramSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Command == "" {
		return Message{}, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return m, nil
}

func sanitize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool:
		return t, nil
	case float32:
		return safeFloat(float64(t)), nil
	case float64:
		return safeFloat(t), nil
	case int:
		return safeInt(int64(t)), nil
	case int8, int16, int32, uint8, uint16, uint32:
		return t, nil
	case int64:
		return safeInt(t), nil
	case uint:
		return safeUint(uint64(t)), nil
	case uint64:
		return safeUint(t), nil
	case json.Number:
		return safeNumber(t), nil
	case *big.Int:
		if t == nil {
			return nil, nil
		}
		if t.IsInt64() {
			return safeInt(t.Int64()), nil
		}
		return t.String(), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			s, err := sanitize(e)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			s, err := sanitize(e)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case json.RawMessage:
		return sanitizeJSON(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return sanitizeJSON(data)
	}
}

func sanitizeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return sanitize(generic)
}

func safeInt(n int64) any {
	if n > MaxSafeInteger || n < -MaxSafeInteger {
		return strconv.FormatInt(n, 10)
	}
	return n
}

// safeFloat writes integral floats outside the safe range as decimal strings.
// Such values have already lost precision; the string at least reaches the
// peer unchanged.
func safeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) > MaxSafeInteger && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return f
}

func safeUint(n uint64) any {
	if n > MaxSafeInteger {
		return strconv.FormatUint(n, 10)
	}
	return n
}

func safeNumber(n json.Number) any {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return n
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Out of int64 range: keep every digit.
		return s
	}
	return safeInt(i)
}
