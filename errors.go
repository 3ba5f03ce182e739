package compkit

import (
	"errors"
	"fmt"
	"time"
)

// Runtime errors
var (
	// Factory registry errors
	ErrNameConflict       = errors.New("name already in use")
	ErrFactoryNotFound    = errors.New("factory not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrFrameworkStopped   = errors.New("framework is stopped")
	ErrDescriptorNoName   = errors.New("descriptor requires a factory name")
	ErrRequirementNoSpec  = errors.New("requirement requires a specification")
	ErrRequirementNoField = errors.New("requirement requires a field name")
	ErrProvidedNoSpec     = errors.New("provided service requires at least one specification")
	ErrMapKeyMissing      = errors.New("keyed requirement needs a key property")
	ErrDuplicateField     = errors.New("duplicate requirement field")

	// Instance runtime errors
	ErrInstanceKilled  = errors.New("instance has been killed")
	ErrFieldUnknown    = errors.New("no requirement declared for field")
	ErrFieldUnbound    = errors.New("no service bound for field")
	ErrFieldKind       = errors.New("accessor does not match the requirement's binding kind")
	ErrNotErroneous    = errors.New("instance is not in the erroneous state")
	ErrTemporalTimeout = errors.New("timed out waiting for a replacement service")

	// Observer errors
	ErrNilObserver      = errors.New("observer is nil")
	ErrObserverNotFound = errors.New("observer not registered")
)

// ValidationFailure captures a fault raised by a component's validation
// callback. It is not re-thrown to the caller that triggered validation
// (validation usually runs on a registry event-delivery goroutine with no
// synchronous caller); instead the instance enters the Erroneous state and
// keeps the failure queryable until an explicit retry.
type ValidationFailure struct {
	Instance string
	Factory  string
	Cause    error
	At       time.Time
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("validation of instance %q (factory %q) failed: %v", f.Instance, f.Factory, f.Cause)
}

// Unwrap returns the originating fault.
func (f *ValidationFailure) Unwrap() error { return f.Cause }
