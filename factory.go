package compkit

import (
	"github.com/GoCodeAlone/compkit/filter"
	"github.com/GoCodeAlone/compkit/registry"
)

// Factory builds instances from one validated descriptor. Factories are
// created by Framework.RegisterFactory; the descriptor and the parsed
// requirement filters are immutable afterwards.
type Factory struct {
	fw     *Framework
	bundle int64
	desc   Descriptor

	// filters is index-aligned with desc.Requirements, parsed at
	// registration.
	filters []*filter.Filter
}

// Name returns the factory name.
func (f *Factory) Name() string { return f.desc.Name }

// Bundle returns the bundle the factory was registered under.
func (f *Factory) Bundle() int64 { return f.bundle }

// Requirements returns a copy of the descriptor's requirements.
func (f *Factory) Requirements() []Requirement {
	out := make([]Requirement, len(f.desc.Requirements))
	copy(out, f.desc.Requirements)
	return out
}

// Provides returns the specification lists of the descriptor's provided
// services.
func (f *Factory) Provides() [][]string {
	out := make([][]string, len(f.desc.Provides))
	for i, p := range f.desc.Provides {
		out[i] = append([]string(nil), p.Specifications...)
	}
	return out
}

// Instantiate builds a named instance with the given configuration
// properties. Shorthand for Framework.Instantiate with this factory's
// name.
func (f *Factory) Instantiate(name string, props registry.Properties) (*Instance, error) {
	return f.fw.Instantiate(f.desc.Name, name, props)
}
