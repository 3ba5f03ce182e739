// Package registry provides the dynamic service registry: storage and
// specification-indexed lookup of live service registrations, ranking,
// filtered queries, and ordered event notification to listeners.
//
// The registry serializes structural mutation with a single
// writer-preferring lock; queries take the shared side and observe a
// consistent snapshot. Event delivery happens outside the exclusive lock,
// so listener callbacks may re-enter the registry, including causing
// further registrations and unregistrations.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/compkit/filter"
	"github.com/GoCodeAlone/compkit/internal/reentrant"
)

// Static errors for the registry package.
var (
	ErrUnknownService  = errors.New("service is not registered")
	ErrNilService      = errors.New("service object is nil")
	ErrNoSpecification = errors.New("service requires at least one specification")
	ErrNilListener     = errors.New("listener is nil")
	ErrListenerUnknown = errors.New("listener is not registered")
)

// Logger is the minimal structured logging surface the registry needs.
// Arguments are alternating key/value pairs, slog style.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Registry holds all live service registrations, indexed by specification.
// One Registry exists per running framework; it holds no persistent state
// and is rebuilt from scratch on restart.
type Registry struct {
	logger Logger

	mu            sync.RWMutex
	nextID        int64
	bySpec        map[string][]*Registration
	byID          map[int64]*Registration
	hiddenBundles map[int64]struct{}

	lmu       sync.Mutex
	listeners []*listenerEntry

	eventCount atomic.Uint64
}

// New creates an empty registry. A nil logger disables logging.
func New(logger Logger) *Registry {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Registry{
		logger:        logger,
		bySpec:        make(map[string][]*Registration),
		byID:          make(map[int64]*Registration),
		hiddenBundles: make(map[int64]struct{}),
	}
}

// Register stores a service under every given specification, assigns the
// next service identity, and fires a REGISTERED event to all listeners
// whose filter matches the new properties. The returned Registration is the
// owner-side handle; it belongs to the registering bundle.
func (r *Registry) Register(bundle int64, specs []string, svc any, props Properties) (*Registration, error) {
	if len(specs) == 0 {
		return nil, ErrNoSpecification
	}
	if svc == nil {
		return nil, ErrNilService
	}

	reg := &Registration{
		registry: r,
		bundle:   bundle,
		specs:    append([]string(nil), specs...),
		object:   svc,
	}
	reg.ref = &Reference{reg: reg}

	r.mu.Lock()
	r.nextID++
	reg.id = r.nextID
	p := props.Copy()
	p[PropObjectClass] = reg.Specifications()
	p[PropServiceID] = reg.id
	reg.props = p
	if _, hidden := r.hiddenBundles[bundle]; hidden {
		reg.hidden = true
	}
	for _, spec := range reg.specs {
		r.bySpec[spec] = append(r.bySpec[spec], reg)
	}
	r.byID[reg.id] = reg
	snapshot := p.Copy()
	r.mu.Unlock()

	r.logger.Debug("service registered", "service", reg.id, "specs", strings.Join(reg.specs, ","), "bundle", bundle)
	for _, e := range r.snapshotListeners() {
		if e.filter == nil || e.filter.Matches(snapshot) {
			r.deliver(e, ServiceEvent{Type: Registered, Ref: reg.ref})
		}
	}
	return reg, nil
}

// setProperties implements Registration.SetProperties.
func (r *Registry) setProperties(reg *Registration, props Properties) error {
	r.mu.Lock()
	if reg.unregistered || reg.tearingDown {
		r.mu.Unlock()
		return ErrUnknownService
	}
	old := reg.props
	p := props.Copy()
	p[PropObjectClass] = reg.Specifications()
	p[PropServiceID] = reg.id
	reg.props = p
	newSnapshot := p.Copy()
	r.mu.Unlock()

	oldSnapshot := old.Copy()
	for _, e := range r.snapshotListeners() {
		if e.filter == nil || e.filter.Matches(newSnapshot) {
			r.deliver(e, ServiceEvent{Type: Modified, Ref: reg.ref, OldProperties: oldSnapshot})
			continue
		}
		if e.filter.Matches(oldSnapshot) {
			r.deliver(e, ServiceEvent{Type: ModifiedEndmatch, Ref: reg.ref, OldProperties: oldSnapshot})
		}
	}
	return nil
}

// unregister implements Registration.Unregister. UNREGISTERING is delivered
// before removal so listeners can still use the reference during teardown;
// listener callbacks may themselves unregister further services.
func (r *Registry) unregister(reg *Registration) error {
	r.mu.Lock()
	if reg.unregistered || reg.tearingDown {
		r.mu.Unlock()
		return ErrUnknownService
	}
	reg.tearingDown = true
	snapshot := reg.props.Copy()
	r.mu.Unlock()

	for _, e := range r.snapshotListeners() {
		if e.filter == nil || e.filter.Matches(snapshot) {
			r.deliver(e, ServiceEvent{Type: Unregistering, Ref: reg.ref})
		}
	}

	r.mu.Lock()
	reg.unregistered = true
	for _, spec := range reg.specs {
		bucket := r.bySpec[spec]
		for i, b := range bucket {
			if b == reg {
				r.bySpec[spec] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(r.bySpec[spec]) == 0 {
			delete(r.bySpec, spec)
		}
	}
	delete(r.byID, reg.id)
	r.mu.Unlock()

	r.logger.Debug("service unregistered", "service", reg.id, "bundle", reg.bundle)
	return nil
}

// Find returns references to all live services under the given
// specification whose properties match the filter, in ranking order
// (ranking descending, identity ascending). An empty specification searches
// all services; a nil filter matches everything. The result is a consistent
// snapshot: concurrent mutations never tear the candidate set.
//
// Services of hidden bundles and services already delivering UNREGISTERING
// are excluded, so in-flight resolutions do not bind to services about to
// disappear.
func (r *Registry) Find(spec string, f *filter.Filter) []*Reference {
	type candidate struct {
		ref     *Reference
		ranking int
		id      int64
	}

	r.mu.RLock()
	var regs []*Registration
	if spec == "" {
		regs = make([]*Registration, 0, len(r.byID))
		for _, reg := range r.byID {
			regs = append(regs, reg)
		}
	} else {
		regs = r.bySpec[spec]
	}
	candidates := make([]candidate, 0, len(regs))
	for _, reg := range regs {
		if reg.hidden || reg.tearingDown || reg.unregistered {
			continue
		}
		if f != nil && !f.Matches(reg.props) {
			continue
		}
		candidates = append(candidates, candidate{reg.ref, reg.props.Ranking(), reg.id})
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ranking != candidates[j].ranking {
			return candidates[i].ranking > candidates[j].ranking
		}
		return candidates[i].id < candidates[j].id
	})
	refs := make([]*Reference, len(candidates))
	for i, c := range candidates {
		refs[i] = c.ref
	}
	return refs
}

// FindExpr is Find with an unparsed filter expression. A malformed
// expression fails the call; it never degrades to matching everything or
// nothing.
func (r *Registry) FindExpr(spec, expr string) ([]*Reference, error) {
	var f *filter.Filter
	if expr != "" {
		parsed, err := filter.Parse(expr)
		if err != nil {
			return nil, err
		}
		f = parsed
	}
	return r.Find(spec, f), nil
}

// FindBest returns the first reference of Find, or nil when nothing
// matches.
func (r *Registry) FindBest(spec string, f *filter.Filter) *Reference {
	refs := r.Find(spec, f)
	if len(refs) == 0 {
		return nil
	}
	return refs[0]
}

// Services returns references to every live service, for tooling.
func (r *Registry) Services() []*Reference {
	return r.Find("", nil)
}

// EventCount returns the number of service events delivered so far.
func (r *Registry) EventCount() uint64 {
	return r.eventCount.Load()
}

// AddListener registers a service listener. A nil filter matches every
// service. A listener added while an event is being delivered does not
// receive that event.
func (r *Registry) AddListener(f *filter.Filter, l ServiceListener) error {
	if l == nil {
		return ErrNilListener
	}
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, &listenerEntry{listener: l, filter: f})
	return nil
}

// RemoveListener removes a previously added listener. A removed listener is
// not invoked after removal; delivery already in flight to it may still
// complete.
func (r *Registry) RemoveListener(l ServiceListener) error {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for i, e := range r.listeners {
		if e.listener == l {
			e.removed.Store(true)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return nil
		}
	}
	return ErrListenerUnknown
}

// HideBundle marks every service of the bundle as invisible to new lookups,
// without unregistering them. In-flight holders keep working until the
// services actually unregister. Services the bundle registers afterwards
// are hidden immediately.
func (r *Registry) HideBundle(bundle int64) {
	r.mu.Lock()
	r.hiddenBundles[bundle] = struct{}{}
	for _, reg := range r.byID {
		if reg.bundle == bundle {
			reg.hidden = true
		}
	}
	r.mu.Unlock()
}

// UnregisterBundle hides the bundle's services from new lookups and then
// unregisters them, oldest first. This is the entry point the bundle-
// loading collaborator calls when a bundle stops.
func (r *Registry) UnregisterBundle(bundle int64) {
	r.HideBundle(bundle)

	r.mu.RLock()
	regs := make([]*Registration, 0)
	for _, reg := range r.byID {
		if reg.bundle == bundle && !reg.unregistered && !reg.tearingDown {
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	for _, reg := range regs {
		if err := reg.Unregister(); err != nil && !errors.Is(err, ErrUnknownService) {
			r.logger.Error("failed to unregister bundle service", "bundle", bundle, "service", reg.id, "error", err)
		}
	}
}

// Drain unregisters every remaining service, oldest first. Called at
// framework shutdown after all bundles have stopped.
func (r *Registry) Drain() {
	r.mu.RLock()
	regs := make([]*Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		if !reg.unregistered && !reg.tearingDown {
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	for _, reg := range regs {
		if err := reg.Unregister(); err != nil && !errors.Is(err, ErrUnknownService) {
			r.logger.Error("failed to unregister service during drain", "service", reg.id, "error", err)
		}
	}
}

func (r *Registry) snapshotListeners() []*listenerEntry {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	out := make([]*listenerEntry, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// deliver hands one event to one listener, serialized per listener. The
// per-listener lock is goroutine re-entrant: a listener whose callback
// causes further registry mutations receives the nested events inline on
// the same goroutine instead of deadlocking against itself.
func (r *Registry) deliver(e *listenerEntry, ev ServiceEvent) {
	if e.removed.Load() {
		return
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.removed.Load() {
		return
	}
	r.invoke(e, ev)
}

// invoke runs the listener callback, containing panics so one broken
// listener cannot abort delivery to the others.
func (r *Registry) invoke(e *listenerEntry, ev ServiceEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("service listener panicked",
				"event", ev.Type.String(), "service", ev.Ref.ID(), "bundle", ev.Ref.Bundle(), "panic", rec)
		}
	}()
	r.eventCount.Add(1)
	e.listener.ServiceChanged(ev)
}

type listenerEntry struct {
	listener ServiceListener
	filter   *filter.Filter
	lock     reentrant.Lock
	removed  atomic.Bool
}
