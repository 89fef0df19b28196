package layer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps layer names to layers. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	layers map[string]Layer
}

func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]Layer)}
}

// Add registers l, replacing any layer with the same name.
func (r *Registry) Add(l Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[l.Name()] = l
}

func (r *Registry) Get(name string) (Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[name]
	return l, ok
}

// List returns all layers sorted by name.
func (r *Registry) List() []Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Layer, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Resolve turns a comma separated list of names into one layer. A single
// name yields that layer, several names an ad hoc Composite in the given
// order. Unknown names fail with ErrUnknown, non viewable ones with
// ErrNotViewable.
func (r *Registry) Resolve(names string) (Layer, error) {
	parts := strings.Split(names, ",")
	layers := make([]Layer, 0, len(parts))

	for _, name := range parts {
		name = strings.TrimSpace(name)
		l, ok := r.Get(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
		}
		if !l.Viewable() {
			return nil, fmt.Errorf("%w: %q", ErrNotViewable, name)
		}
		layers = append(layers, l)
	}

	if len(layers) == 1 {
		return layers[0], nil
	}
	return NewComposite(names, layers), nil
}
