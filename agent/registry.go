package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"
)

// Registry is the immutable name → Agent lookup for a deployment.
// It is safe for concurrent use because nothing mutates it after NewRegistry.
type Registry struct {
	agents map[string]Agent
	names  []string
}

// NewRegistry indexes agents by name. Empty and duplicate names are rejected.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	var errs []error
	for _, a := range agents {
		if a == nil {
			errs = append(errs, errors.New("nil agent"))
			continue
		}
		name := a.Name()
		if name == "" {
			errs = append(errs, errors.New("agent with empty name"))
			continue
		}
		if _, dup := r.agents[name]; dup {
			errs = append(errs, fmt.Errorf("duplicate agent %q", name))
			continue
		}
		r.agents[name] = a
		r.names = append(r.names, name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(r.names)
	return r, nil
}

// BuildRegistry compiles every definition of a catalog into a Registry.
func BuildRegistry(c *Catalog, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	agents := make([]Agent, 0, len(c.Agents))
	for _, def := range c.Agents {
		d, err := NewDescriptor(def)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", def.Name, err)
		}
		agents = append(agents, d)
	}
	r, err := NewRegistry(agents...)
	if err != nil {
		return nil, err
	}
	logger.Info("agent registry built", zap.Strings("agents", r.names))
	return r, nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// Len returns the number of agents.
func (r *Registry) Len() int { return len(r.names) }
