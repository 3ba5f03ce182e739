package compkit

import "sort"

// InstanceSnapshot is a point-in-time view of one instance, safe to
// serialize. Produced for introspection surfaces; the instance keeps
// changing after the snapshot is taken.
type InstanceSnapshot struct {
	Name       string             `json:"name"`
	Factory    string             `json:"factory"`
	State      string             `json:"state"`
	Fault      string             `json:"fault,omitempty"`
	Properties map[string]any     `json:"properties"`
	Bindings   map[string][]int64 `json:"bindings"`
	Provided   []int64            `json:"provided"`

	// Unsatisfied lists the requirement fields currently blocking
	// validation, so an Invalid instance waiting on dependencies can be
	// told apart from one resting for other reasons.
	Unsatisfied []string `json:"unsatisfied,omitempty"`
}

// Snapshot captures the instance's current state, bindings and published
// services under the state lock.
func (inst *Instance) Snapshot() InstanceSnapshot {
	inst.lock.Lock()
	defer inst.lock.Unlock()

	snap := InstanceSnapshot{
		Name:       inst.name,
		Factory:    inst.factory.desc.Name,
		State:      inst.state.String(),
		Properties: inst.props.Copy(),
		Bindings:   make(map[string][]int64, len(inst.deps)),
		Provided:   inst.provided.serviceIDsLocked(),
	}
	if inst.fault != nil {
		snap.Fault = inst.fault.Error()
	}
	for _, h := range inst.deps {
		ids := make([]int64, 0, len(h.bound))
		for _, ref := range h.bound {
			ids = append(ids, ref.ID())
		}
		snap.Bindings[h.req.Field] = ids
		if !h.satisfiedLocked() {
			snap.Unsatisfied = append(snap.Unsatisfied, h.req.Field)
		}
	}
	return snap
}

// RequirementSnapshot describes one declared requirement.
type RequirementSnapshot struct {
	Field         string `json:"field"`
	Specification string `json:"specification"`
	Filter        string `json:"filter,omitempty"`
	Optional      bool   `json:"optional"`
	Binding       string `json:"binding"`
	Policy        string `json:"policy"`
}

// FactorySnapshot is a point-in-time view of one factory and the
// instances it built.
type FactorySnapshot struct {
	Name         string                `json:"name"`
	Bundle       int64                 `json:"bundle"`
	Requirements []RequirementSnapshot `json:"requirements"`
	Provides     [][]string            `json:"provides"`
	Instances    []string              `json:"instances"`
}

// Snapshot captures the factory's contract and current instance names.
func (f *Factory) Snapshot() FactorySnapshot {
	snap := FactorySnapshot{
		Name:     f.desc.Name,
		Bundle:   f.bundle,
		Provides: f.Provides(),
	}
	for _, req := range f.desc.Requirements {
		snap.Requirements = append(snap.Requirements, RequirementSnapshot{
			Field:         req.Field,
			Specification: req.Specification,
			Filter:        req.Filter,
			Optional:      req.Optional,
			Binding:       req.kind().String(),
			Policy:        req.Policy.String(),
		})
	}
	f.fw.mu.Lock()
	for name, inst := range f.fw.instances {
		if inst.factory == f {
			snap.Instances = append(snap.Instances, name)
		}
	}
	f.fw.mu.Unlock()
	sort.Strings(snap.Instances)
	return snap
}
