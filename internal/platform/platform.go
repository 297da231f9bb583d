// Package platform locates the per-application compatibility data that game
// clients keep for their Proton-managed prefixes. Each client has its own
// layout, so each gets its own CompatPlatform.
package platform

import (
	"fmt"
	"sort"
)

// CompatPlatform describes where a client stores per-app prefixes and which
// variables its compatibility tool expects.
type CompatPlatform interface {
	// ID returns unique identifier (e.g., "steam").
	ID() string

	// Name returns human-readable name for display.
	Name() string

	// CompatRoot is the directory holding one data directory per app id.
	CompatRoot() string

	// PrefixRoot returns the prefix directory for appID.
	PrefixRoot(appID string) string

	// CompatVars returns the environment the compatibility tool reads for appID.
	CompatVars(appID string) map[string]string
}

// Registry holds the known platforms by ID.
type Registry struct {
	platforms map[string]CompatPlatform
}

// NewRegistry creates a registry with the default Steam locator rooted at steamRoot.
func NewRegistry(steamRoot string) *Registry {
	return NewRegistryWithPlatforms(NewSteam(steamRoot))
}

// NewRegistryWithPlatforms creates a registry with custom platforms (for testing).
func NewRegistryWithPlatforms(platforms ...CompatPlatform) *Registry {
	r := &Registry{platforms: make(map[string]CompatPlatform)}
	for _, p := range platforms {
		r.Register(p)
	}
	return r
}

// Register adds a platform to the registry.
func (r *Registry) Register(p CompatPlatform) {
	r.platforms[p.ID()] = p
}

// Get returns a platform by ID.
func (r *Registry) Get(id string) (CompatPlatform, error) {
	p, ok := r.platforms[id]
	if !ok {
		return nil, fmt.Errorf("platform not found: %s", id)
	}
	return p, nil
}

// List returns all platform IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.platforms))
	for id := range r.platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
