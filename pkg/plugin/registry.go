package plugin

import (
	"fmt"
	"iter"
	"strings"
	"sync"

	"clawgate/pkg/channel"
)

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Registry holds plugins keyed by channel id, in registration order.
//
// Registration is open until Seal. After that only hooks running under the manager
// may add channels.
type Registry struct {
	mu      sync.RWMutex
	sealed  bool
	entries map[channel.ID]Plugin
	order   []channel.ID
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[channel.ID]Plugin)}
}

// Register adds a plugin. A failed call leaves the registry unchanged.
func (r *Registry) Register(p Plugin) error {
	return r.add(p, false)
}

// RegisterChannel adds a descriptor-only plugin with no hooks.
func (r *Registry) RegisterChannel(d Descriptor) error {
	return r.add(channelOnly{desc: d}, false)
}

// admit adds a plugin on behalf of a running Register hook, bypassing the seal.
func (r *Registry) admit(d Descriptor) (Plugin, error) {
	p := channelOnly{desc: d}
	if err := r.add(p, true); err != nil {
		return nil, err
	}

	return p, nil
}

func (r *Registry) add(p Plugin, admitted bool) error {
	if p == nil {
		return fmt.Errorf("register plugin: plugin is nil")
	}

	desc := p.Descriptor()
	id, ok := channel.Normalize(string(desc.ID))
	if !ok || id != desc.ID {
		return fmt.Errorf("register plugin: unknown channel id %q", desc.ID)
	}
	if strings.TrimSpace(desc.Name) == "" {
		return fmt.Errorf("register plugin %s: name is required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed && !admitted {
		return &RegistryClosedError{Op: "register", ID: id}
	}
	if _, exists := r.entries[id]; exists {
		return &DuplicateChannelError{ID: id}
	}

	r.entries[id] = p
	r.order = append(r.order, id)
	return nil
}

// Get returns the descriptor registered for a canonical id.
func (r *Registry) Get(id channel.ID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}

	return p.Descriptor(), true
}

// Lookup normalizes a raw channel name or alias before calling Get.
func (r *Registry) Lookup(raw string) (Descriptor, bool) {
	id, ok := channel.Normalize(raw)
	if !ok {
		return Descriptor{}, false
	}

	return r.Get(id)
}

// All yields descriptors in registration order. Each range takes a fresh snapshot.
func (r *Registry) All() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for _, p := range r.plugins() {
			if !yield(p.Descriptor()) {
				return
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Seal closes registration. Sealing twice fails.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return &RegistryClosedError{Op: "seal"}
	}

	r.sealed = true
	return nil
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sealed
}

func (r *Registry) plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}

	return out
}
