package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps version identifiers to codec factories. Registration normally
// happens once at startup; lookups are safe for concurrent use afterwards.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]Version
	aliases  map[string]string
	dialects map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[string]Version),
		aliases:  make(map[string]string),
		dialects: make(map[string]Factory),
	}
}

// Register adds a codec factory for version, reachable by version.ID and by
// each alias.
//
// Precondition: version.ID must be non-empty and factory non-nil.
// Postcondition: Returns an error if the ID or any alias is already taken.
func (r *Registry) Register(version Version, factory Factory, aliases ...string) error {
	if version.ID == "" {
		return fmt.Errorf("version id must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("version %s: factory must not be nil", version.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.taken(version.ID) {
		return fmt.Errorf("version %s already registered", version.ID)
	}
	for _, a := range aliases {
		if r.taken(a) {
			return fmt.Errorf("alias %s for version %s already registered", a, version.ID)
		}
	}

	r.versions[version.ID] = version
	r.dialects[version.ID] = factory
	for _, a := range aliases {
		r.aliases[a] = version.ID
	}
	return nil
}

// RegisterDialect registers a Dialect's factory under its own version.
func (r *Registry) RegisterDialect(d *Dialect, aliases ...string) error {
	return r.Register(d.Version(), d.Factory(), aliases...)
}

func (r *Registry) taken(id string) bool {
	if _, ok := r.versions[id]; ok {
		return true
	}
	_, ok := r.aliases[id]
	return ok
}

// Resolve looks up a version by ID or alias.
//
// Postcondition: Returns the canonical Version and its factory, or an error
// wrapping ErrUnsupportedVersion.
func (r *Registry) Resolve(id string) (Version, Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id = strings.TrimSpace(id)
	if canonical, ok := r.aliases[id]; ok {
		id = canonical
	}
	v, ok := r.versions[id]
	if !ok {
		return Version{}, nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, id)
	}
	return v, r.dialects[id], nil
}

// NewCodec resolves id and builds a Codec for side.
func (r *Registry) NewCodec(id string, side Side) (Codec, error) {
	_, factory, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return factory(side), nil
}

// Versions lists registered versions ordered by protocol number.
func (r *Registry) Versions() []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Version, 0, len(r.versions))
	for _, v := range r.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

// Aliases returns the aliases registered for the canonical version id.
func (r *Registry) Aliases(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for a, target := range r.aliases {
		if target == id {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}
