package compkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/compkit/registry"
)

// Framework owns the service registry, the factory table and the
// instance table. It is the single entry point for building and tearing
// down components and for observing their life cycles.
type Framework struct {
	reg    *registry.Registry
	logger Logger

	bundleSeq atomic.Int64

	mu        sync.Mutex
	stopped   bool
	factories map[string]*Factory
	instances map[string]*Instance

	omu       sync.RWMutex
	observers []*observerEntry
}

type observerEntry struct {
	observer     Observer
	eventTypes   map[string]struct{}
	registeredAt time.Time
}

// Option configures a Framework.
type Option func(*Framework)

// WithLogger sets the structured logger the framework and its registry
// log through. The default discards everything.
func WithLogger(l Logger) Option {
	return func(fw *Framework) { fw.logger = l }
}

// WithObserver subscribes an observer at construction time. An empty
// eventTypes list subscribes to all events.
func WithObserver(observer Observer, eventTypes ...string) Option {
	return func(fw *Framework) {
		if observer == nil {
			return
		}
		_ = fw.RegisterObserver(observer, eventTypes...)
	}
}

// New creates a Framework with an empty registry.
func New(opts ...Option) *Framework {
	fw := &Framework{
		logger:    NopLogger{},
		factories: make(map[string]*Factory),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(fw)
	}
	fw.reg = registry.New(fw.logger)
	return fw
}

// Registry returns the framework's service registry. Components and
// plain collaborators share it; services registered directly are
// candidates for component requirements like any other.
func (fw *Framework) Registry() *registry.Registry { return fw.reg }

// NewBundle allocates a fresh bundle identity for grouping registrations
// and factories that load and unload together.
func (fw *Framework) NewBundle() int64 { return fw.bundleSeq.Add(1) }

// RegisterFactory validates the descriptor, parses its requirement
// filters and installs the factory under its name. A malformed
// descriptor or a name already in use fails without side effects.
func (fw *Framework) RegisterFactory(bundle int64, desc Descriptor) (*Factory, error) {
	filters, err := desc.validate()
	if err != nil {
		return nil, err
	}

	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil, ErrFrameworkStopped
	}
	if _, dup := fw.factories[desc.Name]; dup {
		fw.mu.Unlock()
		return nil, fmt.Errorf("%w: factory %q", ErrNameConflict, desc.Name)
	}
	f := &Factory{fw: fw, bundle: bundle, desc: desc, filters: filters}
	fw.factories[desc.Name] = f
	fw.mu.Unlock()

	fw.logger.Info("factory registered", "factory", desc.Name, "bundle", bundle)
	fw.emit(EventTypeFactoryRegistered, map[string]any{
		"factory": desc.Name,
		"bundle":  bundle,
	})
	return f, nil
}

// UnregisterFactory removes the factory and kills every instance it
// built.
func (fw *Framework) UnregisterFactory(name string) error {
	fw.mu.Lock()
	f, ok := fw.factories[name]
	if !ok {
		fw.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrFactoryNotFound, name)
	}
	delete(fw.factories, name)
	doomed := fw.takeInstancesOfLocked(f)
	fw.mu.Unlock()

	for _, inst := range doomed {
		inst.kill()
	}
	fw.logger.Info("factory unregistered", "factory", name, "instances", len(doomed))
	fw.emit(EventTypeFactoryUnregistered, map[string]any{
		"factory": name,
	})
	return nil
}

// Factory looks up a registered factory by name.
func (fw *Framework) Factory(name string) (*Factory, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	f, ok := fw.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFactoryNotFound, name)
	}
	return f, nil
}

// Factories returns the registered factories sorted by name.
func (fw *Framework) Factories() []*Factory {
	fw.mu.Lock()
	out := make([]*Factory, 0, len(fw.factories))
	for _, f := range fw.factories {
		out = append(out, f)
	}
	fw.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].desc.Name < out[j].desc.Name })
	return out
}

// Instantiate builds a named instance from the factory. The instance
// name is process-unique across factories. The new instance immediately
// attempts validation; an instance whose requirements are not yet
// satisfiable is still created and waits in the Invalid state.
func (fw *Framework) Instantiate(factoryName, instanceName string, props registry.Properties) (*Instance, error) {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil, ErrFrameworkStopped
	}
	f, ok := fw.factories[factoryName]
	if !ok {
		fw.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrFactoryNotFound, factoryName)
	}
	if _, dup := fw.instances[instanceName]; dup {
		fw.mu.Unlock()
		return nil, fmt.Errorf("%w: instance %q", ErrNameConflict, instanceName)
	}
	resolved, err := resolveProperties(f.desc.Properties, props)
	if err != nil {
		fw.mu.Unlock()
		return nil, fmt.Errorf("instance %q: %w", instanceName, err)
	}

	inst := &Instance{
		name:    instanceName,
		factory: f,
		fw:      fw,
		state:   Instantiated,
		props:   resolved,
		byField: make(map[string]*dependencyHandler, len(f.desc.Requirements)),
	}
	for i, req := range f.desc.Requirements {
		h := newDependencyHandler(inst, req, f.filters[i])
		inst.deps = append(inst.deps, h)
		inst.byField[req.Field] = h
	}
	inst.provided = newProvidedHandler(inst)
	// Reserve the name before running the constructor, which may call
	// back into the framework.
	fw.instances[instanceName] = inst
	fw.mu.Unlock()

	object := any(inst)
	if f.desc.Construct != nil {
		obj, cerr := f.desc.Construct(inst)
		if cerr != nil {
			fw.mu.Lock()
			delete(fw.instances, instanceName)
			fw.mu.Unlock()
			return nil, fmt.Errorf("construct instance %q of factory %q: %w", instanceName, factoryName, cerr)
		}
		object = obj
	}
	inst.lock.Lock()
	inst.object = object
	inst.lock.Unlock()

	fw.logger.Info("instance created", "instance", instanceName, "factory", factoryName)
	fw.emit(EventTypeInstanceCreated, map[string]any{
		"instance": instanceName,
		"factory":  factoryName,
	})
	inst.start()
	return inst, nil
}

// Instance looks up a live instance by name.
func (fw *Framework) Instance(name string) (*Instance, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	inst, ok := fw.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
	}
	return inst, nil
}

// Instances returns the live instances sorted by name.
func (fw *Framework) Instances() []*Instance {
	fw.mu.Lock()
	out := make([]*Instance, 0, len(fw.instances))
	for _, inst := range fw.instances {
		out = append(out, inst)
	}
	fw.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Kill destroys the named instance: services retracted, callbacks run,
// bindings released, the name freed for reuse.
func (fw *Framework) Kill(name string) error {
	fw.mu.Lock()
	inst, ok := fw.instances[name]
	if !ok {
		fw.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
	}
	delete(fw.instances, name)
	fw.mu.Unlock()

	inst.kill()
	fw.logger.Info("instance killed", "instance", name)
	return nil
}

// InstanceDetails reports a point-in-time view of the named instance:
// its state, fault, bound dependency references and provided-service
// identities.
func (fw *Framework) InstanceDetails(name string) (InstanceSnapshot, error) {
	inst, err := fw.Instance(name)
	if err != nil {
		return InstanceSnapshot{}, err
	}
	return inst.Snapshot(), nil
}

// FactoryDetails reports the named factory's declared contract and the
// names of its live instances.
func (fw *Framework) FactoryDetails(name string) (FactorySnapshot, error) {
	f, err := fw.Factory(name)
	if err != nil {
		return FactorySnapshot{}, err
	}
	return f.Snapshot(), nil
}

// HideAndUnregisterBundleServices removes a bundle's direct service
// registrations. They are hidden from new lookups first, so in-flight
// validations cannot bind to services about to disappear, then
// unregistered. Factories owned by the bundle are untouched; StopBundle
// handles the full shutdown.
func (fw *Framework) HideAndUnregisterBundleServices(bundle int64) {
	fw.reg.UnregisterBundle(bundle)
}

// StopBundle tears down everything a bundle contributed: its factories
// are unregistered (killing their instances) and its directly registered
// services are hidden and then unregistered.
func (fw *Framework) StopBundle(bundle int64) {
	fw.reg.HideBundle(bundle)

	fw.mu.Lock()
	names := make([]string, 0)
	for name, f := range fw.factories {
		if f.bundle == bundle {
			names = append(names, name)
		}
	}
	fw.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if err := fw.UnregisterFactory(name); err != nil {
			fw.logger.Error("failed to unregister bundle factory", "bundle", bundle, "factory", name, "error", err)
		}
	}
	fw.reg.UnregisterBundle(bundle)
}

// Stop shuts the framework down: every instance is killed, every factory
// removed, and the registry drained. Further factory registrations and
// instantiations fail with ErrFrameworkStopped.
func (fw *Framework) Stop() {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return
	}
	fw.stopped = true
	doomed := make([]*Instance, 0, len(fw.instances))
	for _, inst := range fw.instances {
		doomed = append(doomed, inst)
	}
	fw.instances = make(map[string]*Instance)
	fw.factories = make(map[string]*Factory)
	fw.mu.Unlock()

	sort.Slice(doomed, func(i, j int) bool { return doomed[i].name < doomed[j].name })
	for _, inst := range doomed {
		inst.kill()
	}
	fw.reg.Drain()
	fw.logger.Info("framework stopped")
	fw.emit(EventTypeFrameworkStopped, nil)
}

func (fw *Framework) takeInstancesOfLocked(f *Factory) []*Instance {
	doomed := make([]*Instance, 0)
	for name, inst := range fw.instances {
		if inst.factory == f {
			doomed = append(doomed, inst)
			delete(fw.instances, name)
		}
	}
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].name < doomed[j].name })
	return doomed
}

// RegisterObserver subscribes an observer to framework events. An empty
// eventTypes list subscribes to all events.
func (fw *Framework) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}
	entry := &observerEntry{
		observer:     observer,
		registeredAt: time.Now(),
	}
	if len(eventTypes) > 0 {
		entry.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			entry.eventTypes[t] = struct{}{}
		}
	}
	fw.omu.Lock()
	fw.observers = append(fw.observers, entry)
	fw.omu.Unlock()
	return nil
}

// UnregisterObserver removes an observer by identity.
func (fw *Framework) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrNilObserver
	}
	fw.omu.Lock()
	defer fw.omu.Unlock()
	for i, entry := range fw.observers {
		if entry.observer == observer {
			fw.observers = append(fw.observers[:i], fw.observers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrObserverNotFound, observer.ObserverID())
}

// GetObservers returns information about the registered observers.
func (fw *Framework) GetObservers() []ObserverInfo {
	fw.omu.RLock()
	defer fw.omu.RUnlock()
	out := make([]ObserverInfo, 0, len(fw.observers))
	for _, entry := range fw.observers {
		info := ObserverInfo{
			ID:           entry.observer.ObserverID(),
			RegisteredAt: entry.registeredAt,
		}
		for t := range entry.eventTypes {
			info.EventTypes = append(info.EventTypes, t)
		}
		sort.Strings(info.EventTypes)
		out = append(out, info)
	}
	return out
}

// NotifyObservers delivers an event to every subscribed observer.
// Delivery is synchronous; observer errors and panics are logged and do
// not affect other observers.
func (fw *Framework) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	fw.omu.RLock()
	entries := make([]*observerEntry, len(fw.observers))
	copy(entries, fw.observers)
	fw.omu.RUnlock()

	for _, entry := range entries {
		if entry.eventTypes != nil {
			if _, ok := entry.eventTypes[event.Type()]; !ok {
				continue
			}
		}
		fw.notifyOne(ctx, entry.observer, event)
	}
	return nil
}

func (fw *Framework) notifyOne(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			fw.logger.Error("observer panicked", "observer", observer.ObserverID(), "eventType", event.Type(), "panic", fmt.Sprint(r))
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil {
		fw.logger.Error("observer failed", "observer", observer.ObserverID(), "eventType", event.Type(), "error", err)
	}
}

func (fw *Framework) emit(eventType string, data map[string]any) {
	event := NewCloudEvent(eventType, "compkit.framework", data, nil)
	_ = fw.NotifyObservers(context.Background(), event)
}

func (fw *Framework) emitInstanceState(inst *Instance, from, to State) {
	fw.emit(eventTypeForState(to), map[string]any{
		"instance": inst.name,
		"factory":  inst.factory.desc.Name,
		"from":     from.String(),
		"to":       to.String(),
	})
}
