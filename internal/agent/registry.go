package agent

import (
	"fmt"
	"sync"
)

// Registry holds the available agents keyed by ID.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// LoadDefaults registers the built-in agents.
func (r *Registry) LoadDefaults() {
	r.Register(NewClaude())
	r.Register(NewOpenCode())
}

// Register adds an agent, replacing any previous entry with the same ID.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID()] = a
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", id)
	}
	return a, nil
}

// List returns all registered agents in unspecified order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
