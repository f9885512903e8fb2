package common

import (
	"fmt"
	"sort"
	"sync"
)

// Object is the client-side representation of a remote object. Types with
// behaviour of their own embed or wrap the ChannelOwner the connection
// created for them.
type Object interface {
	Owner() *ChannelOwner
}

// Factory builds the Object for a newly created remote object. The owner is
// already linked into the tree, so the factory can inspect its parent and
// initializer.
type Factory func(owner *ChannelOwner) (Object, error)

// Registry maps remote type names to the factories building their objects.
// It is safe for concurrent use and may be shared by several connections.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the factory for typ. A nil factory makes objects of typ
// plain ChannelOwners.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" {
		return fmt.Errorf("registering object type: empty type name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("object type %q is already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typ string, f Factory) {
	if err := r.Register(typ, f); err != nil {
		panic(err)
	}
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) lookup(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[typ]
	return f, ok
}
