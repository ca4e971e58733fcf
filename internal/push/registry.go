package push

import (
	"slices"
	"sync"
)

// Registry tracks the push clients of the loaded accounts. It is owned by
// the session manager and handed to whoever needs to reach the clients.
type Registry struct {
	mu      sync.RWMutex
	clients []Client
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers c, replacing a client already registered for the same
// account.
func (r *Registry) Add(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = slices.DeleteFunc(r.clients, func(o Client) bool { return o.Account() == c.Account() })
	r.clients = append(r.clients, c)
}

// Remove drops c. Removing an unknown client is a no-op.
func (r *Registry) Remove(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = slices.DeleteFunc(r.clients, func(o Client) bool { return o == c })
}

// Lookup returns the client for account.
func (r *Registry) Lookup(account string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.Account() == account {
			return c, true
		}
	}
	return nil, false
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Each calls fn for every client registered when Each was called. fn may
// add or remove clients; it stops early when fn returns false.
func (r *Registry) Each(fn func(Client) bool) {
	r.mu.RLock()
	snapshot := slices.Clone(r.clients)
	r.mu.RUnlock()
	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}
