package registry

import (
	"sort"
)

// Reserved property keys. Every registration's property map carries the
// specification set and the service identity under these keys; the ranking
// key is optional and defaults to zero.
const (
	PropObjectClass    = "objectClass"
	PropServiceID      = "service.id"
	PropServiceRanking = "service.ranking"
)

// Properties is the key/value metadata attached to a service registration.
// Values may be scalars, strings, or collections.
type Properties map[string]any

// Copy returns a shallow copy of the property map. Collection values are
// shared; callers must treat snapshots as read-only.
func (p Properties) Copy() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Ranking returns the service ranking, defaulting to zero when the property
// is absent or not an integer.
func (p Properties) Ranking() int {
	switch v := p[PropServiceRanking].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

// ID returns the service identity stored under the reserved key, or zero
// when absent.
func (p Properties) ID() int64 {
	v, _ := p[PropServiceID].(int64)
	return v
}

// Registration is the owner-side handle for a registered service. It is
// returned by Registry.Register and must not be shared outside the
// registering bundle; consumers see the service through its Reference.
type Registration struct {
	registry *Registry
	id       int64
	bundle   int64
	specs    []string
	object   any
	ref      *Reference

	// guarded by registry.mu
	props        Properties
	hidden       bool
	tearingDown  bool
	unregistered bool
}

// ID returns the process-unique service identity. Identities increase
// monotonically with registration order and are never reused.
func (r *Registration) ID() int64 { return r.id }

// Bundle returns the identity of the owning bundle.
func (r *Registration) Bundle() int64 { return r.bundle }

// Specifications returns the specification strings the service is
// registered under.
func (r *Registration) Specifications() []string {
	out := make([]string, len(r.specs))
	copy(out, r.specs)
	return out
}

// Reference returns the shared read-only view of this registration. The
// same Reference is returned for the registration's whole lifetime, so
// references compare by identity.
func (r *Registration) Reference() *Reference { return r.ref }

// Properties returns an immutable snapshot of the current property map.
func (r *Registration) Properties() Properties {
	r.registry.mu.RLock()
	defer r.registry.mu.RUnlock()
	return r.props.Copy()
}

// SetProperties replaces the service's mutable properties. The reserved
// keys are reasserted from the registration itself and cannot be
// overridden. Listeners whose filter matches the new properties receive a
// MODIFIED event; listeners that matched the old properties but not the new
// ones receive MODIFIED_ENDMATCH. Both events carry a copy of the previous
// property map.
func (r *Registration) SetProperties(props Properties) error {
	return r.registry.setProperties(r, props)
}

// Unregister withdraws the service. Listeners receive UNREGISTERING before
// the service leaves the indexes, so the reference is still usable during
// teardown. A second Unregister is a programming error and returns
// ErrUnknownService.
func (r *Registration) Unregister() error {
	return r.registry.unregister(r)
}

// Reference is the consumer-side view of a registered service. References
// are freely shareable across goroutines and carry no mutable state; they
// become unusable once the service unregisters and never become valid
// again.
type Reference struct {
	reg *Registration
}

// ID returns the service identity.
func (ref *Reference) ID() int64 { return ref.reg.id }

// Bundle returns the owning bundle's identity.
func (ref *Reference) Bundle() int64 { return ref.reg.bundle }

// Specifications returns the specification strings the service is
// registered under.
func (ref *Reference) Specifications() []string { return ref.reg.Specifications() }

// Properties returns an immutable snapshot of the service's properties.
func (ref *Reference) Properties() Properties { return ref.reg.Properties() }

// Property returns one property value, or nil when absent.
func (ref *Reference) Property(key string) any {
	ref.reg.registry.mu.RLock()
	defer ref.reg.registry.mu.RUnlock()
	return ref.reg.props[key]
}

// Ranking returns the service ranking at the time of the call.
func (ref *Reference) Ranking() int {
	ref.reg.registry.mu.RLock()
	defer ref.reg.registry.mu.RUnlock()
	return ref.reg.props.Ranking()
}

// Live reports whether the service is still registered.
func (ref *Reference) Live() bool {
	ref.reg.registry.mu.RLock()
	defer ref.reg.registry.mu.RUnlock()
	return !ref.reg.unregistered
}

// Service returns the service object. It fails with ErrUnknownService once
// the service has unregistered.
func (ref *Reference) Service() (any, error) {
	ref.reg.registry.mu.RLock()
	defer ref.reg.registry.mu.RUnlock()
	if ref.reg.unregistered {
		return nil, ErrUnknownService
	}
	return ref.reg.object, nil
}

// SortReferences orders references by ranking descending, then identity
// ascending. This is the registry's total "best match" order: higher-ranked
// services win, ties go to the oldest registration.
func SortReferences(refs []*Reference) {
	sort.SliceStable(refs, func(i, j int) bool {
		ri, rj := refs[i].Ranking(), refs[j].Ranking()
		if ri != rj {
			return ri > rj
		}
		return refs[i].ID() < refs[j].ID()
	})
}
