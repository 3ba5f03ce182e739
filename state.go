package compkit

import "fmt"

// State is the life-cycle state of a component instance.
//
// Normal life cycle:
//
//	Instantiated -> Validating -> Valid -> Invalidating -> Invalid -> Validating -> ...
//
// Killed is terminal. Erroneous is entered when the validation callback
// fails and is only left through an explicit retry.
type State int

const (
	// Instantiated is the initial state: the component object is
	// constructed but no bindings are resolved.
	Instantiated State = iota

	// Validating is transient: all requirements are satisfiable and the
	// runtime is running bind callbacks followed by the validation
	// callback.
	Validating

	// Valid is stable: provided services are registered and the component
	// is usable.
	Valid

	// Invalidating is transient: provided services are being retracted and
	// the invalidation and unbind callbacks are running.
	Invalidating

	// Invalid is stable: the instance waits for its requirements to become
	// satisfiable again.
	Invalid

	// Erroneous is stable: the validation callback failed. Automatic
	// revalidation is suppressed; an explicit retry is required.
	Erroneous

	// Killed is terminal: the instance is destroyed and never revalidates.
	Killed
)

// Stable reports whether the state is one an instance rests in between
// transitions.
func (s State) Stable() bool {
	switch s {
	case Instantiated, Valid, Invalid, Erroneous, Killed:
		return true
	default:
		return false
	}
}

// Alive reports whether the instance can still change state.
func (s State) Alive() bool { return s != Killed }

// ValidTransitions returns the states the current state may transition to.
func (s State) ValidTransitions() []State {
	switch s {
	case Instantiated:
		return []State{Validating, Invalid, Invalidating, Killed}
	case Validating:
		return []State{Valid, Erroneous, Invalid, Invalidating}
	case Valid:
		return []State{Invalidating}
	case Invalidating:
		return []State{Invalid, Killed}
	case Invalid:
		return []State{Validating, Invalidating, Killed}
	case Erroneous:
		return []State{Validating, Invalidating, Killed}
	case Killed:
		return nil
	default:
		panic(fmt.Sprintf("unknown state: %d", int(s)))
	}
}

// CanTransition reports whether the transition to the given state is
// permitted.
func (s State) CanTransition(to State) bool {
	for _, v := range s.ValidTransitions() {
		if v == to {
			return true
		}
	}
	return false
}

func (s State) String() string {
	switch s {
	case Instantiated:
		return "INSTANTIATED"
	case Validating:
		return "VALIDATING"
	case Valid:
		return "VALID"
	case Invalidating:
		return "INVALIDATING"
	case Invalid:
		return "INVALID"
	case Erroneous:
		return "ERRONEOUS"
	case Killed:
		return "KILLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
