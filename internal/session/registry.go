package session

import (
	"sync"
)

// Registry holds the live in-process session per tenant. It is injected into
// the manager, the delivery worker and startup reconciliation rather than
// living as ambient package state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the tenant's session, if one exists.
func (r *Registry) Get(tenantID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// GetOrCreate returns the tenant's session, creating it on first use. At
// most one session object exists per tenant.
func (r *Registry) GetOrCreate(tenantID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tenantID]; ok {
		return s
	}
	s = newSession(tenantID)
	r.sessions[tenantID] = s
	return s
}

// Remove drops the tenant's session from the registry.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tenantID)
}

// TenantIDs lists the tenants currently tracked in-process.
func (r *Registry) TenantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
