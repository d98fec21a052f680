// Package affordance is the static catalog of what each (endpoint,
// capability) pair costs and which degraded variants it offers.
package affordance

import (
	"slices"
	"strings"
)

// #region registry

// Registry is an immutable lookup table of affordance profiles. It is safe
// for concurrent readers.
type Registry struct {
	version  string
	profiles map[Key]AffordanceProfile
}

// NewRegistry builds a registry from profiles. Duplicate keys overwrite
// earlier entries: the last one wins. Profiles are copied, so later mutation
// of the input does not leak into the registry.
func NewRegistry(version string, profiles []AffordanceProfile) *Registry {
	r := &Registry{
		version:  version,
		profiles: make(map[Key]AffordanceProfile, len(profiles)),
	}
	for _, p := range profiles {
		p.Degradations = slices.Clone(p.Degradations)
		r.profiles[p.Key()] = p
	}
	return r
}

// #endregion registry

// #region lookup

// Resolve returns the profile registered for (endpointID, capabilityID).
func (r *Registry) Resolve(endpointID, capabilityID string) (AffordanceProfile, bool) {
	p, ok := r.profiles[Key{EndpointID: endpointID, CapabilityID: capabilityID}]
	if !ok {
		return AffordanceProfile{}, false
	}
	p.Degradations = slices.Clone(p.Degradations)
	return p, true
}

// Version is the affordance-registry version stamped on ledger entries.
func (r *Registry) Version() string {
	return r.version
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	return len(r.profiles)
}

// Keys lists registered keys ordered by endpoint then capability.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.profiles))
	for k := range r.profiles {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := strings.Compare(a.EndpointID, b.EndpointID); c != 0 {
			return c
		}
		return strings.Compare(a.CapabilityID, b.CapabilityID)
	})
	return keys
}

// #endregion lookup
