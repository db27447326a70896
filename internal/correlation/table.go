// Package correlation matches outbound requests to their inbound replies.
//
// A Table is not safe for concurrent use; the gateway only touches it from its
// event loop. Pending.Wait is the one method meant for other goroutines.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/fleet/internal/protocol"
)

// DefaultMaxPerCommand bounds the pending requests for one command name.
const DefaultMaxPerCommand = 256

var (
	// ErrDuplicateToken is returned when (command, token) is already pending.
	ErrDuplicateToken = errors.New("correlation token already pending")
	// ErrTooManyPending is returned when a command's pending limit is reached.
	ErrTooManyPending = errors.New("too many pending requests")
	// ErrExpired is delivered to waiters removed by a sweep.
	ErrExpired = errors.New("pending request expired")
)

// Pending is one outstanding request awaiting its reply.
type Pending struct {
	Command   string
	Token     string
	CreatedAt time.Time
	Timeout   time.Duration

	result    chan protocol.Message
	expired   chan struct{}
	fulfilled bool
	removed   bool
}

// Deadline is the instant after which the request is considered lost.
func (p *Pending) Deadline() time.Time {
	return p.CreatedAt.Add(p.Timeout)
}

// Wait blocks until the reply arrives, the request expires or ctx is done.
func (p *Pending) Wait(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-p.result:
		return msg, nil
	case <-p.expired:
		return protocol.Message{}, ErrExpired
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Table indexes pending requests by command name and token.
type Table struct {
	pending       map[string]map[string]*Pending
	maxPerCommand int
	now           func() time.Time
}

// NewTable creates a table. maxPerCommand <= 0 selects DefaultMaxPerCommand.
func NewTable(maxPerCommand int) *Table {
	if maxPerCommand <= 0 {
		maxPerCommand = DefaultMaxPerCommand
	}
	return &Table{
		pending:       make(map[string]map[string]*Pending),
		maxPerCommand: maxPerCommand,
		now:           time.Now,
	}
}

// Register adds a pending request. It must happen before the request is sent.
func (t *Table) Register(command, token string, timeout time.Duration) (*Pending, error) {
	if command == "" || token == "" {
		return nil, fmt.Errorf("register pending: command and token are required")
	}
	byToken := t.pending[command]
	if byToken == nil {
		byToken = make(map[string]*Pending)
		t.pending[command] = byToken
	}
	if _, exists := byToken[token]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateToken, command, token)
	}
	if len(byToken) >= t.maxPerCommand {
		return nil, fmt.Errorf("%w: %s has %d", ErrTooManyPending, command, len(byToken))
	}
	p := &Pending{
		Command:   command,
		Token:     token,
		CreatedAt: t.now(),
		Timeout:   timeout,
		result:    make(chan protocol.Message, 1),
		expired:   make(chan struct{}),
	}
	byToken[token] = p
	return p, nil
}

// Fulfill hands msg to the request waiting on (command, token). It reports
// false when nothing matches, leaving every other pending request untouched.
func (t *Table) Fulfill(command, token string, msg protocol.Message) bool {
	p, ok := t.pending[command][token]
	if !ok || p.fulfilled {
		return false
	}
	p.fulfilled = true
	p.result <- msg
	t.Remove(p)
	return true
}

// Remove drops a pending request. Removing twice is harmless.
func (t *Table) Remove(p *Pending) {
	if p == nil || p.removed {
		return
	}
	p.removed = true
	byToken := t.pending[p.Command]
	if byToken[p.Token] == p {
		delete(byToken, p.Token)
	}
	if len(byToken) == 0 {
		delete(t.pending, p.Command)
	}
}

// Sweep removes every request past its deadline and wakes its waiter.
func (t *Table) Sweep() []*Pending {
	now := t.now()
	var expired []*Pending
	for _, byToken := range t.pending {
		for _, p := range byToken {
			if p.Timeout > 0 && now.After(p.Deadline()) {
				expired = append(expired, p)
			}
		}
	}
	for _, p := range expired {
		t.Remove(p)
		if !p.fulfilled {
			close(p.expired)
		}
	}
	return expired
}

// Len returns the total number of pending requests.
func (t *Table) Len() int {
	n := 0
	for _, byToken := range t.pending {
		n += len(byToken)
	}
	return n
}

// LenCommand returns the number of pending requests for one command.
func (t *Table) LenCommand(command string) int {
	return len(t.pending[command])
}

// Has reports whether (command, token) is pending.
func (t *Table) Has(command, token string) bool {
	_, ok := t.pending[command][token]
	return ok
}
