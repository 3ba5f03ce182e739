package compkit

import (
	"fmt"
	"time"

	"github.com/GoCodeAlone/compkit/filter"
	"github.com/GoCodeAlone/compkit/registry"
)

// Reserved property key carried by every provided-service registration.
const PropInstanceName = "instance.name"

// BindingPolicy controls what happens when a bound, required, non-aggregate
// dependency's backing service unregisters.
type BindingPolicy int

const (
	// PolicyDynamic attempts an immediate rebind to a substitute matching
	// the requirement, swapping the binding with unbind-then-bind callbacks
	// and without invalidating the component. The policy distinguishes the
	// required, non-aggregate case; optional requirements rebind
	// opportunistically under either policy.
	PolicyDynamic BindingPolicy = iota

	// PolicyStatic invalidates the component on loss of the binding. The
	// component revalidates from scratch once a replacement appears, with
	// bind callbacks re-run for every handler.
	PolicyStatic
)

func (p BindingPolicy) String() string {
	if p == PolicyStatic {
		return "static"
	}
	return "dynamic"
}

// BindingKind selects the dependency handler strategy for a requirement.
type BindingKind int

const (
	// BindSingle binds the best-ranked matching service.
	BindSingle BindingKind = iota

	// BindAggregate binds every matching service; each addition and
	// removal fires a bind/unbind callback for that one element.
	BindAggregate

	// BindRanked binds the best-ranked match and additionally rebinds when
	// a strictly better-ranked service appears.
	BindRanked

	// BindTemporal binds like BindSingle but holds the dependency slot
	// open on loss: reads through the binding table block up to the
	// requirement's timeout for a replacement instead of invalidating the
	// component.
	BindTemporal

	// BindMap binds matching services into a map keyed by the value of the
	// requirement's Key property. A later registration with a key already
	// held does not displace the held service.
	BindMap
)

func (k BindingKind) String() string {
	switch k {
	case BindSingle:
		return "single"
	case BindAggregate:
		return "aggregate"
	case BindRanked:
		return "ranked"
	case BindTemporal:
		return "temporal"
	case BindMap:
		return "map"
	default:
		return fmt.Sprintf("BindingKind(%d)", int(k))
	}
}

// DefaultTemporalTimeout applies to BindTemporal requirements that do not
// set their own timeout.
const DefaultTemporalTimeout = 3 * time.Second

// Requirement declares one service dependency of a component.
type Requirement struct {
	// Field is the binding-table key the component reads the dependency
	// through. Unique within a descriptor.
	Field string

	// Specification is the service specification the requirement targets.
	Specification string

	// Filter optionally narrows matching services. Parsed when the factory
	// is registered; a malformed filter fails factory registration.
	Filter string

	// Optional requirements never gate the component's validity.
	Optional bool

	// Aggregate requirements bind every match; shorthand for Binding ==
	// BindAggregate.
	Aggregate bool

	// Policy selects the rebind behavior on loss of the binding.
	Policy BindingPolicy

	// Binding selects the handler strategy. The zero value is BindSingle.
	Binding BindingKind

	// Timeout bounds blocking reads for BindTemporal requirements.
	// Zero means DefaultTemporalTimeout.
	Timeout time.Duration

	// Key names the service property whose value keys BindMap bindings.
	Key string
}

// kind returns the effective binding kind after applying the Aggregate
// shorthand.
func (r Requirement) kind() BindingKind {
	if r.Aggregate && r.Binding == BindSingle {
		return BindAggregate
	}
	return r.Binding
}

// aggregate reports whether the requirement binds multiple services.
func (r Requirement) aggregate() bool {
	k := r.kind()
	return k == BindAggregate || k == BindMap
}

// Provided declares one service a component publishes while Valid.
type Provided struct {
	// Specifications the service is registered under.
	Specifications []string

	// Properties merged into the registration, below the instance's own
	// properties and the reserved keys.
	Properties registry.Properties

	// Controller optionally names a boolean control the component flips
	// via Instance.SetController to publish or retract this service while
	// Valid. An unset controller defaults to published.
	Controller string
}

// Property declares one configuration property of a component. Values
// supplied at instantiation (or retry) override the default; string values
// are coerced to the default's type.
type Property struct {
	Field   string
	Name    string
	Default any
}

// Callbacks are the component's life-cycle hooks. All of them are optional.
// They run on the goroutine that triggered the transition, with the
// instance's state lock held, and are therefore expected to return
// quickly; long-running work must be handed off by the callback itself.
type Callbacks struct {
	// Validate runs after bind callbacks when all requirements are
	// satisfied. Returning an error moves the instance to Erroneous.
	Validate func(inst *Instance) error

	// Invalidate runs during invalidation, after provided services are
	// retracted and before unbind callbacks. Failures are logged and
	// otherwise ignored; invalidation always completes.
	Invalidate func(inst *Instance)

	// Bind runs when a service is bound to a requirement field.
	Bind func(inst *Instance, field string, ref *registry.Reference, svc any)

	// Unbind runs when a service is released from a requirement field.
	Unbind func(inst *Instance, field string, ref *registry.Reference)

	// PostRegistration runs after a provided service is registered.
	PostRegistration func(inst *Instance, ref *registry.Reference)

	// PreUnregistration runs before a provided service is retracted.
	PreUnregistration func(inst *Instance, ref *registry.Reference)
}

// Descriptor is the machine-readable component contract consumed by the
// factory registry. The runtime treats it purely as data; how it is
// produced (struct literals, a builder, code generation, a deploy file) is
// up to the caller.
type Descriptor struct {
	// Name is the factory name. Process-unique.
	Name string

	// Construct builds the component's service object, called once per
	// instance at instantiation time. When nil, provided services register
	// the *Instance itself.
	Construct func(inst *Instance) (any, error)

	Requirements []Requirement
	Provides     []Provided
	Properties   []Property
	Callbacks    Callbacks
}

// validate checks the descriptor and parses requirement filters. The
// returned slice is index-aligned with Requirements; entries without a
// filter are nil.
func (d Descriptor) validate() ([]*filter.Filter, error) {
	if d.Name == "" {
		return nil, ErrDescriptorNoName
	}
	fields := make(map[string]struct{}, len(d.Requirements))
	filters := make([]*filter.Filter, len(d.Requirements))
	for i, req := range d.Requirements {
		if req.Field == "" {
			return nil, fmt.Errorf("%w: requirement %d of factory %q", ErrRequirementNoField, i, d.Name)
		}
		if req.Specification == "" {
			return nil, fmt.Errorf("%w: field %q of factory %q", ErrRequirementNoSpec, req.Field, d.Name)
		}
		if _, dup := fields[req.Field]; dup {
			return nil, fmt.Errorf("%w: field %q of factory %q", ErrDuplicateField, req.Field, d.Name)
		}
		fields[req.Field] = struct{}{}
		if req.kind() == BindMap && req.Key == "" {
			return nil, fmt.Errorf("%w: field %q of factory %q", ErrMapKeyMissing, req.Field, d.Name)
		}
		if req.Filter != "" {
			f, err := filter.Parse(req.Filter)
			if err != nil {
				return nil, fmt.Errorf("requirement field %q of factory %q: %w", req.Field, d.Name, err)
			}
			filters[i] = f
		}
	}
	for i, prov := range d.Provides {
		if len(prov.Specifications) == 0 {
			return nil, fmt.Errorf("%w: provided service %d of factory %q", ErrProvidedNoSpec, i, d.Name)
		}
	}
	return filters, nil
}
