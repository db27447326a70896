// Package dispatch routes decoded messages to handlers by command name.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaot623/fleet/internal/protocol"
)

// ErrDuplicateHandler is returned when a command already has a handler.
var ErrDuplicateHandler = errors.New("handler already registered")

// HandlerFunc handles one inbound message. The returned fields become the
// reply payload when the sender asked for a reply; nil means an empty reply.
type HandlerFunc func(ctx context.Context, msg protocol.Message) (map[string]any, error)

// Option configures a registered handler.
type Option func(*Handler)

// Async marks a handler as one that performs blocking I/O. The gateway runs
// async handlers on their own goroutine instead of the event loop.
func Async() Option {
	return func(h *Handler) { h.Async = true }
}

// Handler is a registered command handler.
type Handler struct {
	Command string
	Fn      HandlerFunc
	Async   bool
}

// Dispatcher is a static command-name table. Commands that were never
// registered are never invoked.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a command name.
func (d *Dispatcher) Register(command string, fn HandlerFunc, opts ...Option) error {
	if command == "" {
		return fmt.Errorf("command name is required")
	}
	if fn == nil {
		return fmt.Errorf("handler is required")
	}
	h := Handler{Command: command, Fn: fn}
	for _, opt := range opts {
		opt(&h)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[command]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, command)
	}
	d.handlers[command] = h
	return nil
}

// MustRegister adds a handler or panics.
func (d *Dispatcher) MustRegister(command string, fn HandlerFunc, opts ...Option) {
	if err := d.Register(command, fn, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a command.
func (d *Dispatcher) Lookup(command string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[command]
	return h, ok
}

// Dispatch invokes the handler registered for msg.Command on the calling
// goroutine. handled is false when no handler exists.
func (d *Dispatcher) Dispatch(ctx context.Context, msg protocol.Message) (reply map[string]any, handled bool, err error) {
	h, ok := d.Lookup(msg.Command)
	if !ok {
		return nil, false, nil
	}
	reply, err = h.Fn(ctx, msg)
	return reply, true, err
}

// Commands lists every registered command name.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}
