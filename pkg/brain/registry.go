package brain

import (
	"fmt"
	"sort"
	"sync"
)

// Manifest is the read side of the registry, consumed by the runner,
// the scheduler, and the API.
type Manifest interface {
	Resolve(identifier string) (*Brain, error)
	List() []Info
	Search(query string) []Info
}

// Registry is the process-wide brain catalog. Registration happens at
// boot; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	brains map[string]*Brain
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{brains: make(map[string]*Brain)}
}

// Register validates and adds a brain. The brain's title is its
// identifier; duplicate titles are rejected.
func (r *Registry) Register(b *Brain) error {
	if err := Validate(b); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.brains[b.Title]; exists {
		return fmt.Errorf("%w: duplicate title %q", ErrIRInvalid, b.Title)
	}
	r.brains[b.Title] = b
	return nil
}

// MustRegister registers or panics. For use in init wiring where a bad
// definition is a programming error.
func (r *Registry) MustRegister(b *Brain) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Resolve returns the brain registered under identifier.
func (r *Registry) Resolve(identifier string) (*Brain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brains[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBrain, identifier)
	}
	return b, nil
}

// List returns all registered brains sorted by title.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.brains))
	for _, b := range r.brains {
		infos = append(infos, Info{Title: b.Title, Description: b.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Title < infos[j].Title })
	return infos
}

// Search returns the registered brains whose title or description
// contains query, case-insensitively. An empty query matches all.
func (r *Registry) Search(query string) []Info {
	all := r.List()
	if query == "" {
		return all
	}
	matched := make([]Info, 0, len(all))
	for _, info := range all {
		if info.Matches(query) {
			matched = append(matched, info)
		}
	}
	return matched
}
