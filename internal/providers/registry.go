package providers

import (
	"fmt"
	"sort"

	"github.com/kestrel-run/agentcore/internal/llm"
)

// Registry looks up a named endpoint as a standalone Provider, for tools
// that need one specific backend (vision, image generation) rather than
// the routed, failover-capable chat pool.
type Registry struct {
	pool *llm.Pool
}

// NewRegistry builds a Registry over the same pool the agent loop chats
// through — named lookups reuse its endpoint configuration and credentials.
func NewRegistry(pool *llm.Pool) *Registry {
	return &Registry{pool: pool}
}

// Get returns the endpoint named name as a standalone Provider.
func (r *Registry) Get(name string) (Provider, error) {
	for _, ep := range r.pool.Endpoints() {
		if ep.Name == name {
			return &endpointProvider{pool: r.pool, ep: ep}, nil
		}
	}
	return nil, fmt.Errorf("providers: no endpoint named %q", name)
}

// List returns configured endpoint names, sorted by name.
func (r *Registry) List() []string {
	eps := r.pool.Endpoints()
	names := make([]string, len(eps))
	for i, ep := range eps {
		names[i] = ep.Name
	}
	sort.Strings(names)
	return names
}
