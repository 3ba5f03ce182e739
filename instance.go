package compkit

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/compkit/internal/reentrant"
	"github.com/GoCodeAlone/compkit/registry"
)

// Instance is one managed component: an object built by a factory, its
// dependency bindings, its published services and its life-cycle state.
//
// State transitions run synchronously on the goroutine that triggered
// them, under the instance's goroutine re-entrant state lock. Callbacks
// therefore observe a settled state and may themselves drive further
// transitions, including on the same instance.
type Instance struct {
	name    string
	factory *Factory
	fw      *Framework

	lock reentrant.Lock

	// stopping latches when a kill begins on some goroutine, before the
	// state lock is taken, so concurrent kills collapse to one.
	stopping atomic.Bool

	// Guarded by lock.
	state         State
	object        any
	props         registry.Properties
	deps          []*dependencyHandler
	byField       map[string]*dependencyHandler
	provided      *providedHandler
	fault         *ValidationFailure
	killRequested bool
}

// Name returns the instance name.
func (inst *Instance) Name() string { return inst.name }

// FactoryName returns the name of the factory that built the instance.
func (inst *Instance) FactoryName() string { return inst.factory.desc.Name }

// State returns the current life-cycle state.
func (inst *Instance) State() State {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	return inst.state
}

// Fault returns the failure that moved the instance to Erroneous, or nil.
func (inst *Instance) Fault() error {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	if inst.fault == nil {
		return nil
	}
	return inst.fault
}

// Object returns the component's service object.
func (inst *Instance) Object() any {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	return inst.object
}

// Property returns one configuration property, or nil when unset.
func (inst *Instance) Property(name string) any {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	return inst.props[name]
}

// Properties returns a copy of the instance's configuration properties.
func (inst *Instance) Properties() registry.Properties {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	return inst.props.Copy()
}

// Reconfigure merges new property values over the instance's current
// configuration, applying the same declared-property coercion as
// instantiation. While the instance is Valid the new values propagate to
// its published services, firing Modified events.
func (inst *Instance) Reconfigure(props registry.Properties) error {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	if inst.state == Killed {
		return fmt.Errorf("%w: %q", ErrInstanceKilled, inst.name)
	}
	merged := inst.props.Copy()
	for k, v := range props {
		merged[k] = v
	}
	resolved, err := resolveProperties(inst.factory.desc.Properties, merged)
	if err != nil {
		return err
	}
	inst.props = resolved
	if inst.state == Valid {
		inst.provided.refreshLocked()
	}
	return nil
}

// SetController flips a provided-service controller declared by the
// descriptor. While the instance is Valid the affected services are
// published or retracted immediately; outside Valid the setting takes
// effect at the next validation.
func (inst *Instance) SetController(name string, on bool) error {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	if !inst.provided.setControllerLocked(name, on) {
		return fmt.Errorf("no controller %q on factory %q", name, inst.factory.desc.Name)
	}
	return nil
}

// Retry re-attempts validation of an Erroneous instance, optionally
// merging new property values first. Bindings kept through the failure
// are reused. When the requirements are no longer satisfiable the
// instance moves to Invalid and revalidates automatically later.
func (inst *Instance) Retry(props registry.Properties) error {
	inst.lock.Lock()
	defer inst.lock.Unlock()
	if inst.state != Erroneous {
		return fmt.Errorf("%w: instance %q is %s", ErrNotErroneous, inst.name, inst.state)
	}
	if len(props) > 0 {
		merged := inst.props.Copy()
		for k, v := range props {
			merged[k] = v
		}
		resolved, err := resolveProperties(inst.factory.desc.Properties, merged)
		if err != nil {
			return err
		}
		inst.props = resolved
	}
	inst.validateLocked()
	return nil
}

// Service returns the service bound to a single-valued requirement field.
// For temporal fields it blocks up to the requirement's timeout while the
// dependency slot is open.
func (inst *Instance) Service(field string) (any, error) {
	h, err := inst.handlerFor(field)
	if err != nil {
		return nil, err
	}
	switch h.kind {
	case BindTemporal:
		return h.get()
	case BindSingle, BindRanked:
		inst.lock.Lock()
		defer inst.lock.Unlock()
		if len(h.bound) == 0 {
			return nil, fmt.Errorf("%w: field %q of instance %q", ErrFieldUnbound, field, inst.name)
		}
		return h.bound[0].Service()
	default:
		return nil, fmt.Errorf("%w: field %q is %s", ErrFieldKind, field, h.kind)
	}
}

// Services returns every service bound to an aggregate requirement field,
// in bind order.
func (inst *Instance) Services(field string) ([]any, error) {
	h, err := inst.handlerFor(field)
	if err != nil {
		return nil, err
	}
	if h.kind != BindAggregate {
		return nil, fmt.Errorf("%w: field %q is %s", ErrFieldKind, field, h.kind)
	}
	inst.lock.Lock()
	defer inst.lock.Unlock()
	out := make([]any, 0, len(h.bound))
	for _, ref := range h.bound {
		svc, err := ref.Service()
		if err != nil {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

// ServiceMap returns the services bound to a keyed requirement field,
// keyed by the declared key property.
func (inst *Instance) ServiceMap(field string) (map[string]any, error) {
	h, err := inst.handlerFor(field)
	if err != nil {
		return nil, err
	}
	if h.kind != BindMap {
		return nil, fmt.Errorf("%w: field %q is %s", ErrFieldKind, field, h.kind)
	}
	inst.lock.Lock()
	defer inst.lock.Unlock()
	out := make(map[string]any, len(h.keys))
	for key, ref := range h.keys {
		svc, err := ref.Service()
		if err != nil {
			continue
		}
		out[key] = svc
	}
	return out, nil
}

// Reference returns the reference bound to a single-valued requirement
// field without dereferencing the service.
func (inst *Instance) Reference(field string) (*registry.Reference, error) {
	h, err := inst.handlerFor(field)
	if err != nil {
		return nil, err
	}
	if h.req.aggregate() {
		return nil, fmt.Errorf("%w: field %q is %s", ErrFieldKind, field, h.kind)
	}
	inst.lock.Lock()
	defer inst.lock.Unlock()
	if len(h.bound) == 0 {
		return nil, fmt.Errorf("%w: field %q of instance %q", ErrFieldUnbound, field, inst.name)
	}
	return h.bound[0], nil
}

// References returns every reference currently bound to the field, in
// bind order. Works for any binding kind.
func (inst *Instance) References(field string) ([]*registry.Reference, error) {
	h, err := inst.handlerFor(field)
	if err != nil {
		return nil, err
	}
	inst.lock.Lock()
	defer inst.lock.Unlock()
	out := make([]*registry.Reference, len(h.bound))
	copy(out, h.bound)
	return out, nil
}

func (inst *Instance) handlerFor(field string) (*dependencyHandler, error) {
	h, ok := inst.byField[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q on instance %q", ErrFieldUnknown, field, inst.name)
	}
	return h, nil
}

// checkLifecycleLocked settles the instance after a dependency change:
// a resting instance validates once every requirement is satisfiable, a
// Valid instance invalidates once one no longer is. Erroneous instances
// never move without an explicit retry.
func (inst *Instance) checkLifecycleLocked() {
	switch inst.state {
	case Instantiated, Invalid:
		if inst.allSatisfiedLocked() {
			inst.validateLocked()
		} else if inst.state == Instantiated {
			// a fresh instance with unsatisfied requirements rests in
			// Invalid until they become satisfiable
			inst.setStateLocked(Invalid)
		}
	case Valid:
		if !inst.allSatisfiedLocked() {
			inst.invalidateLocked(false)
			inst.checkLifecycleLocked()
		}
	}
}

func (inst *Instance) allSatisfiedLocked() bool {
	for _, h := range inst.deps {
		if !h.satisfiedLocked() {
			return false
		}
	}
	return true
}

// validateLocked drives one validation attempt: bind flush in declaration
// order, the validation callback, then service publication. The provided
// services and the Valid state commit together under the state lock, so
// no reader observes one without the other.
func (inst *Instance) validateLocked() {
	inst.setStateLocked(Validating)
	for _, h := range inst.deps {
		h.flushBindLocked()
	}
	if !inst.allSatisfiedLocked() {
		// A candidate vanished between the satisfiability check and the
		// flush. Resume waiting.
		inst.setStateLocked(Invalid)
		return
	}
	if cb := inst.factory.desc.Callbacks.Validate; cb != nil {
		if err := inst.runValidate(cb); err != nil {
			inst.fault = &ValidationFailure{
				Instance: inst.name,
				Factory:  inst.factory.desc.Name,
				Cause:    err,
				At:       time.Now(),
			}
			inst.fw.logger.Error("instance validation failed",
				"instance", inst.name, "factory", inst.factory.desc.Name, "error", err)
			inst.setStateLocked(Erroneous)
			return
		}
	}
	inst.fault = nil
	inst.provided.registerLocked()
	inst.setStateLocked(Valid)
	inst.fw.logger.Debug("instance valid", "instance", inst.name)
}

func (inst *Instance) runValidate(cb func(*Instance) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validate callback panicked: %v", r)
		}
	}()
	return cb(inst)
}

// invalidateLocked tears the instance down to Invalid (or Killed when a
// kill requested it): retract provided services, run the invalidate
// callback, release every binding. A kill arriving while invalidation is
// already running folds into the in-flight teardown.
func (inst *Instance) invalidateLocked(killing bool) {
	if killing {
		inst.killRequested = true
	}
	switch inst.state {
	case Invalidating:
		return
	case Killed:
		return
	case Invalid, Instantiated, Erroneous:
		if !killing {
			return
		}
	}

	inst.setStateLocked(Invalidating)
	inst.provided.unregisterLocked()
	if cb := inst.factory.desc.Callbacks.Invalidate; cb != nil {
		inst.safeHook("invalidate", func() { cb(inst) })
	}
	for _, h := range inst.deps {
		h.flushUnbindLocked()
	}
	if inst.killRequested {
		for _, h := range inst.deps {
			h.stopLocked()
		}
		inst.setStateLocked(Killed)
		return
	}
	inst.setStateLocked(Invalid)
}

// kill destroys the instance. Idempotent; concurrent and re-entrant kills
// collapse into a single teardown.
func (inst *Instance) kill() {
	if !inst.stopping.CompareAndSwap(false, true) {
		return
	}
	inst.lock.Lock()
	inst.invalidateLocked(true)
	inst.lock.Unlock()

	for _, h := range inst.deps {
		if err := inst.fw.reg.RemoveListener(h); err != nil {
			inst.fw.logger.Debug("dependency listener already removed",
				"instance", inst.name, "field", h.req.Field)
		}
	}
}

// start registers the dependency listeners and runs the initial
// life-cycle check. Called once by the factory after construction.
func (inst *Instance) start() {
	for _, h := range inst.deps {
		if err := inst.fw.reg.AddListener(h.listen, h); err != nil {
			inst.fw.logger.Error("failed to register dependency listener",
				"instance", inst.name, "field", h.req.Field, "error", err)
		}
	}
	inst.lock.Lock()
	inst.checkLifecycleLocked()
	inst.lock.Unlock()
}

func (inst *Instance) setStateLocked(to State) {
	from := inst.state
	if !from.CanTransition(to) {
		inst.fw.logger.Error("illegal state transition",
			"instance", inst.name, "from", from.String(), "to", to.String())
	}
	inst.state = to
	inst.fw.emitInstanceState(inst, from, to)
}

func (inst *Instance) fireBind(field string, ref *registry.Reference, svc any) {
	inst.fw.logger.Debug("bind", "instance", inst.name, "field", field, "service", ref.ID())
	if cb := inst.factory.desc.Callbacks.Bind; cb != nil {
		inst.safeHook("bind", func() { cb(inst, field, ref, svc) })
	}
}

func (inst *Instance) fireUnbind(field string, ref *registry.Reference) {
	inst.fw.logger.Debug("unbind", "instance", inst.name, "field", field, "service", ref.ID())
	if cb := inst.factory.desc.Callbacks.Unbind; cb != nil {
		inst.safeHook("unbind", func() { cb(inst, field, ref) })
	}
}

// safeHook contains a callback fault at the runtime boundary.
func (inst *Instance) safeHook(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			inst.fw.logger.Error("callback panicked",
				"instance", inst.name, "hook", hook, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// resolveProperties applies declared defaults and coerces string values
// supplied for non-string declared properties, so environment-sourced
// configuration can feed typed fields.
func resolveProperties(declared []Property, supplied registry.Properties) (registry.Properties, error) {
	out := supplied.Copy()
	for _, p := range declared {
		name := p.Name
		if name == "" {
			name = p.Field
		}
		v, ok := out[name]
		if !ok {
			if p.Default != nil {
				out[name] = p.Default
			}
			continue
		}
		s, isStr := v.(string)
		if !isStr || p.Default == nil {
			continue
		}
		if _, defIsStr := p.Default.(string); defIsStr {
			continue
		}
		converted, err := cast.FromType(s, reflect.TypeOf(p.Default))
		if err != nil {
			return nil, fmt.Errorf("property %q: cannot convert %q to %T: %w", name, s, p.Default, err)
		}
		out[name] = converted
	}
	return out, nil
}
