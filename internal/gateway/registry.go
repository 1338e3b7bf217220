package gateway

import (
	"sort"
	"sync"

	errors "github.com/chargeline/ev-booking/internal"
)

// Registry resolves gateway names from requests and webhooks to adapters.
// The reconciliation engine never branches on gateway name itself.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, errors.NewValidationError("unsupported payment gateway: "+name, errors.ErrCodeInvalidGateway)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
