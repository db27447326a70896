// Package registry keeps the table of game servers managed by this node.
//
// A Registry has no locks: the gateway owns it and only touches it from its
// event loop. Lookups hand out copies.
package registry

import (
	"sort"
	"time"

	"github.com/xiaot623/fleet/internal/domain"
)

// Registry maps server names to their last known state.
type Registry struct {
	servers map[string]*domain.ManagedServer
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		servers: make(map[string]*domain.ManagedServer),
		now:     time.Now,
	}
}

// Upsert creates or replaces the entry for srv.Name and returns whether it
// already existed. The registration time survives re-registration.
func (r *Registry) Upsert(srv domain.ManagedServer) bool {
	now := r.now()
	existing, ok := r.servers[srv.Name]
	if ok && !existing.RegisteredAt.IsZero() {
		srv.RegisteredAt = existing.RegisteredAt
	} else if srv.RegisteredAt.IsZero() {
		srv.RegisteredAt = now
	}
	if srv.Status == "" {
		srv.Status = domain.ServerStatusUnknown
	}
	srv.LastMessageAt = now
	r.servers[srv.Name] = &srv
	return ok
}

// Remove drops a server and reports whether it was known.
func (r *Registry) Remove(name string) bool {
	if _, ok := r.servers[name]; !ok {
		return false
	}
	delete(r.servers, name)
	return true
}

// Get returns a copy of the named server.
func (r *Registry) Get(name string) (domain.ManagedServer, bool) {
	srv, ok := r.servers[name]
	if !ok {
		return domain.ManagedServer{}, false
	}
	return srv.Clone(), true
}

// Has reports whether the server is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.servers[name]
	return ok
}

// SetStatus updates the lifecycle status and returns the previous one.
func (r *Registry) SetStatus(name string, status domain.ServerStatus) (domain.ServerStatus, bool) {
	srv, ok := r.servers[name]
	if !ok {
		return "", false
	}
	prev := srv.Status
	srv.Status = status
	srv.LastMessageAt = r.now()
	return prev, true
}

// Touch records that a message from the server was seen.
func (r *Registry) Touch(name string) {
	if srv, ok := r.servers[name]; ok {
		srv.LastMessageAt = r.now()
	}
}

// List returns copies of every server sorted by name.
func (r *Registry) List() []domain.ManagedServer {
	out := make([]domain.ManagedServer, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, srv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	return len(r.servers)
}
