package compkit

import (
	"github.com/GoCodeAlone/compkit/registry"
)

// providedHandler publishes the instance's provided services while the
// instance is Valid, and honors per-service controllers. Guarded by the
// owning instance's state lock.
type providedHandler struct {
	inst *Instance

	// regs is index-aligned with the descriptor's Provides; nil entries
	// are currently unpublished (not Valid, or controller off).
	regs []*registry.Registration

	// controllers holds the on/off state of named controllers. Missing
	// entries default to on.
	controllers map[string]bool
}

func newProvidedHandler(inst *Instance) *providedHandler {
	h := &providedHandler{
		inst:        inst,
		regs:        make([]*registry.Registration, len(inst.factory.desc.Provides)),
		controllers: make(map[string]bool),
	}
	for _, prov := range inst.factory.desc.Provides {
		if prov.Controller != "" {
			h.controllers[prov.Controller] = true
		}
	}
	return h
}

// registerLocked publishes every provided service whose controller is on.
func (h *providedHandler) registerLocked() {
	for i := range h.inst.factory.desc.Provides {
		h.registerOneLocked(i)
	}
}

func (h *providedHandler) registerOneLocked(i int) {
	if h.regs[i] != nil {
		return
	}
	prov := h.inst.factory.desc.Provides[i]
	if prov.Controller != "" && !h.controllers[prov.Controller] {
		return
	}
	props := prov.Properties.Copy()
	for k, v := range h.inst.props {
		props[k] = v
	}
	props[PropInstanceName] = h.inst.name

	reg, err := h.inst.fw.reg.Register(h.inst.factory.bundle, prov.Specifications, h.inst.object, props)
	if err != nil {
		h.inst.fw.logger.Error("failed to register provided service",
			"instance", h.inst.name, "specifications", prov.Specifications, "error", err)
		return
	}
	h.regs[i] = reg
	if cb := h.inst.factory.desc.Callbacks.PostRegistration; cb != nil {
		h.inst.safeHook("post-registration", func() { cb(h.inst, reg.Reference()) })
	}
}

// unregisterLocked retracts every published service, announcing each with
// the pre-unregistration hook first.
func (h *providedHandler) unregisterLocked() {
	for i := range h.regs {
		h.unregisterOneLocked(i)
	}
}

func (h *providedHandler) unregisterOneLocked(i int) {
	reg := h.regs[i]
	if reg == nil {
		return
	}
	h.regs[i] = nil
	if cb := h.inst.factory.desc.Callbacks.PreUnregistration; cb != nil {
		h.inst.safeHook("pre-unregistration", func() { cb(h.inst, reg.Reference()) })
	}
	if err := reg.Unregister(); err != nil {
		h.inst.fw.logger.Error("failed to unregister provided service",
			"instance", h.inst.name, "service", reg.ID(), "error", err)
	}
}

// setControllerLocked flips a named controller. While the instance is
// Valid the affected services are published or retracted immediately.
func (h *providedHandler) setControllerLocked(name string, on bool) bool {
	if _, known := h.controllers[name]; !known {
		return false
	}
	h.controllers[name] = on
	if h.inst.state != Valid {
		return true
	}
	for i, prov := range h.inst.factory.desc.Provides {
		if prov.Controller != name {
			continue
		}
		if on {
			h.registerOneLocked(i)
		} else {
			h.unregisterOneLocked(i)
		}
	}
	return true
}

// refreshLocked pushes the instance's current properties to every
// published registration, after a property update while Valid.
func (h *providedHandler) refreshLocked() {
	for i, reg := range h.regs {
		if reg == nil {
			continue
		}
		props := h.inst.factory.desc.Provides[i].Properties.Copy()
		for k, v := range h.inst.props {
			props[k] = v
		}
		props[PropInstanceName] = h.inst.name
		if err := reg.SetProperties(props); err != nil {
			h.inst.fw.logger.Error("failed to refresh provided service properties",
				"instance", h.inst.name, "service", reg.ID(), "error", err)
		}
	}
}

// serviceIDsLocked returns the registry identities of the currently
// published services.
func (h *providedHandler) serviceIDsLocked() []int64 {
	ids := make([]int64, 0, len(h.regs))
	for _, reg := range h.regs {
		if reg != nil {
			ids = append(ids, reg.ID())
		}
	}
	return ids
}
