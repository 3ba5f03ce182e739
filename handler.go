package compkit

import (
	"fmt"
	"time"

	"github.com/GoCodeAlone/compkit/filter"
	"github.com/GoCodeAlone/compkit/registry"
)

// dependencyHandler tracks one requirement of one instance. It is
// registered as a registry listener with a filter combining the
// requirement's specification and user filter, so it only ever sees
// events for candidate services. All mutable fields are guarded by the
// owning instance's state lock.
type dependencyHandler struct {
	inst *Instance
	req  Requirement
	kind BindingKind

	// match is the requirement's user filter, nil when absent. listen is
	// the match filter conjoined with the specification, handed to the
	// registry at listener registration.
	match  *filter.Filter
	listen *filter.Filter

	// bound holds the current bindings in bind order. Single-valued kinds
	// use at most one element.
	bound []*registry.Reference

	// keys maps binding keys to bound references for BindMap.
	keys map[string]*registry.Reference

	// everBound latches once a BindTemporal requirement has bound; from
	// then on the requirement stays satisfied through service loss and
	// reads block instead of invalidating the instance.
	everBound bool

	// rebound is closed when a BindTemporal binding appears and replaced
	// with a fresh channel when it is lost. Blocked reads wait on it.
	rebound chan struct{}

	stopped bool
}

func newDependencyHandler(inst *Instance, req Requirement, match *filter.Filter) *dependencyHandler {
	h := &dependencyHandler{
		inst:   inst,
		req:    req,
		kind:   req.kind(),
		match:  match,
		listen: filter.AllOf(filter.Equal(registry.PropObjectClass, req.Specification), match),
	}
	if h.kind == BindMap {
		h.keys = make(map[string]*registry.Reference)
	}
	if h.kind == BindTemporal {
		h.rebound = make(chan struct{})
	}
	return h
}

// ServiceChanged implements registry.ServiceListener. The registry has
// already applied the listener filter, so every event here concerns a
// candidate of this requirement.
func (h *dependencyHandler) ServiceChanged(ev registry.ServiceEvent) {
	h.inst.lock.Lock()
	defer h.inst.lock.Unlock()
	if h.stopped {
		return
	}
	switch ev.Type {
	case registry.Registered, registry.Modified:
		h.candidateUpLocked(ev.Ref)
	case registry.ModifiedEndmatch, registry.Unregistering:
		h.candidateDownLocked(ev.Ref)
	}
}

func (h *dependencyHandler) candidateUpLocked(ref *registry.Reference) {
	if h.inst.state != Valid {
		h.inst.checkLifecycleLocked()
		return
	}
	switch h.kind {
	case BindSingle:
		if len(h.bound) == 0 {
			h.bindLocked(ref)
		}
	case BindRanked:
		if len(h.bound) == 0 {
			h.bindLocked(ref)
		} else if ref != h.bound[0] && outranks(ref, h.bound[0]) {
			h.unbindAtLocked(0)
			h.bindLocked(ref)
		}
	case BindTemporal:
		if len(h.bound) == 0 {
			h.bindLocked(ref)
		}
	case BindAggregate:
		if h.indexOf(ref) < 0 {
			h.bindLocked(ref)
		}
	case BindMap:
		key, ok := bindingKey(ref, h.req.Key)
		if !ok {
			return
		}
		if _, held := h.keys[key]; !held && h.indexOf(ref) < 0 {
			h.bindLocked(ref)
		}
	}
}

func (h *dependencyHandler) candidateDownLocked(ref *registry.Reference) {
	idx := h.indexOf(ref)
	if idx < 0 {
		h.inst.checkLifecycleLocked()
		return
	}
	if h.inst.state != Valid {
		h.unbindAtLocked(idx)
		h.inst.checkLifecycleLocked()
		return
	}
	switch h.kind {
	case BindAggregate, BindMap:
		h.unbindAtLocked(idx)
		// A candidate that lost out earlier (a duplicate map key, a
		// missed event) may be waiting in the registry.
		h.flushBindLocked()
		h.inst.checkLifecycleLocked()
	case BindTemporal:
		h.unbindAtLocked(idx)
	case BindSingle, BindRanked:
		if h.req.Optional || h.req.Policy == PolicyDynamic {
			if repl := h.replacementLocked(ref); repl != nil {
				h.unbindAtLocked(idx)
				h.bindLocked(repl)
				return
			}
		}
		if h.req.Optional {
			h.unbindAtLocked(idx)
			return
		}
		// Static policy, or no substitute. The dead binding stays in
		// place so that the invalidation flow releases it after the
		// invalidate callback, together with every other binding.
		h.inst.invalidateLocked(false)
		h.inst.checkLifecycleLocked()
	}
}

// replacementLocked picks the best-ranked live substitute for a departing
// binding. A candidate that dies between selection and use is retried
// once.
func (h *dependencyHandler) replacementLocked(departing *registry.Reference) *registry.Reference {
	for attempt := 0; attempt < 2; attempt++ {
		best := h.inst.fw.reg.FindBest(h.req.Specification, h.match)
		if best == nil || best == departing {
			return nil
		}
		if best.Live() {
			return best
		}
	}
	return nil
}

// flushBindLocked resolves the requirement from the registry during
// validation. Bindings kept across an Erroneous retry are left in place
// and not re-announced.
func (h *dependencyHandler) flushBindLocked() {
	switch h.kind {
	case BindSingle, BindRanked, BindTemporal:
		if len(h.bound) > 0 {
			return
		}
		if best := h.inst.fw.reg.FindBest(h.req.Specification, h.match); best != nil {
			h.bindLocked(best)
		}
	case BindAggregate:
		for _, ref := range h.inst.fw.reg.Find(h.req.Specification, h.match) {
			if h.indexOf(ref) < 0 {
				h.bindLocked(ref)
			}
		}
	case BindMap:
		for _, ref := range h.inst.fw.reg.Find(h.req.Specification, h.match) {
			key, ok := bindingKey(ref, h.req.Key)
			if !ok {
				continue
			}
			if _, held := h.keys[key]; !held {
				h.bindLocked(ref)
			}
		}
	}
}

// flushUnbindLocked releases every binding during invalidation, in
// reverse bind order.
func (h *dependencyHandler) flushUnbindLocked() {
	for len(h.bound) > 0 {
		h.unbindAtLocked(len(h.bound) - 1)
	}
}

// satisfiedLocked reports whether the requirement currently gates
// validity. Unbound required dependencies fall back to a registry query
// so that an instance outside Valid can judge satisfiability.
func (h *dependencyHandler) satisfiedLocked() bool {
	if h.req.Optional {
		return true
	}
	if h.kind == BindTemporal && h.everBound {
		return true
	}
	if len(h.bound) > 0 {
		return true
	}
	switch h.kind {
	case BindAggregate:
		return len(h.inst.fw.reg.Find(h.req.Specification, h.match)) > 0
	case BindMap:
		for _, ref := range h.inst.fw.reg.Find(h.req.Specification, h.match) {
			if _, ok := bindingKey(ref, h.req.Key); ok {
				return true
			}
		}
		return false
	default:
		return h.inst.fw.reg.FindBest(h.req.Specification, h.match) != nil
	}
}

func (h *dependencyHandler) bindLocked(ref *registry.Reference) {
	svc, err := ref.Service()
	if err != nil {
		return
	}
	h.bound = append(h.bound, ref)
	if h.kind == BindMap {
		if key, ok := bindingKey(ref, h.req.Key); ok {
			h.keys[key] = ref
		}
	}
	if h.kind == BindTemporal && !h.everBound {
		h.everBound = true
	}
	if h.kind == BindTemporal {
		close(h.rebound)
	}
	h.inst.fireBind(h.req.Field, ref, svc)
}

func (h *dependencyHandler) unbindAtLocked(i int) {
	ref := h.bound[i]
	h.bound = append(h.bound[:i], h.bound[i+1:]...)
	if h.kind == BindMap {
		for key, held := range h.keys {
			if held == ref {
				delete(h.keys, key)
			}
		}
	}
	if h.kind == BindTemporal {
		h.rebound = make(chan struct{})
	}
	h.inst.fireUnbind(h.req.Field, ref)
}

func (h *dependencyHandler) indexOf(ref *registry.Reference) int {
	for i, b := range h.bound {
		if b == ref {
			return i
		}
	}
	return -1
}

func (h *dependencyHandler) stopLocked() {
	h.stopped = true
	if h.kind == BindTemporal {
		// Wake blocked readers; they observe stopped and fail.
		select {
		case <-h.rebound:
		default:
			close(h.rebound)
		}
	}
}

// get reads the temporal binding, blocking up to the requirement's
// timeout when the slot is open.
func (h *dependencyHandler) get() (any, error) {
	timeout := h.req.Timeout
	if timeout <= 0 {
		timeout = DefaultTemporalTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		h.inst.lock.Lock()
		if h.stopped {
			h.inst.lock.Unlock()
			return nil, fmt.Errorf("%w: field %q of instance %q", ErrInstanceKilled, h.req.Field, h.inst.name)
		}
		if len(h.bound) > 0 {
			svc, err := h.bound[0].Service()
			if err == nil {
				h.inst.lock.Unlock()
				return svc, nil
			}
		}
		ch := h.rebound
		h.inst.lock.Unlock()

		if h.inst.lock.Held() {
			// Called from a life-cycle callback; the outer frame still
			// holds the state lock, so no rebind can complete while we
			// wait.
			return nil, fmt.Errorf("%w: field %q of instance %q", ErrTemporalTimeout, h.req.Field, h.inst.name)
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, fmt.Errorf("%w: field %q of instance %q", ErrTemporalTimeout, h.req.Field, h.inst.name)
		}
		timer := time.NewTimer(remain)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, fmt.Errorf("%w: field %q of instance %q", ErrTemporalTimeout, h.req.Field, h.inst.name)
		}
	}
}

func outranks(a, b *registry.Reference) bool {
	ra, rb := a.Ranking(), b.Ranking()
	if ra != rb {
		return ra > rb
	}
	return a.ID() < b.ID()
}

// bindingKey extracts the BindMap key property from a candidate. Services
// without the property (or with a non-string value) are not bindable.
func bindingKey(ref *registry.Reference, prop string) (string, bool) {
	v := ref.Property(prop)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
