package render

import (
	"sort"
	"sync"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
)

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	log       *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		providers: make(map[string]Provider),
		log:       log.WithComponent("registry"),
	}
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		r.log.Warn("provider replaced", "provider", p.Name())
	}
	r.providers[p.Name()] = p
	r.log.Info("provider registered", "provider", p.Name())
}

// Get returns the named provider or a CodeProviderNotFound error.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeProviderNotFound, "renderer provider not found: %s", name).
			WithField("provider", name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
