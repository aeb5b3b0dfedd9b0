package parser

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// ErrUnregistered is returned by Lookup for a source type no parser has been
// registered for.
var ErrUnregistered = errors.New("no parser registered for source type")

// Registry maps source types to the parser handling them. Concrete parsers
// are registered once during wiring; each handles every source of its type.
type Registry struct {
	mu      sync.RWMutex
	parsers map[monitor.SourceType]monitor.Parser
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		parsers: make(map[monitor.SourceType]monitor.Parser),
	}
}

// Register binds a parser to a source type, replacing any previous binding.
func (r *Registry) Register(t monitor.SourceType, p monitor.Parser) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.parsers[t] = p
	r.mu.Unlock()
}

// Lookup returns the parser for the given source type.
func (r *Registry) Lookup(t monitor.SourceType) (monitor.Parser, error) {
	r.mu.RLock()
	p, ok := r.parsers[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, t)
	}
	return p, nil
}

// Types lists the registered source types in stable order.
func (r *Registry) Types() []monitor.SourceType {
	r.mu.RLock()
	types := make([]monitor.SourceType, 0, len(r.parsers))
	for t := range r.parsers {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
