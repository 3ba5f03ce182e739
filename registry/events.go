package registry

// EventType identifies a service registry event.
type EventType int

const (
	// Registered is fired after a service is stored and indexed.
	Registered EventType = iota

	// Modified is fired after a property update, to listeners whose filter
	// matches the new properties.
	Modified

	// ModifiedEndmatch is fired after a property update, to listeners whose
	// filter matched the old properties but no longer matches the new ones,
	// so they can release a reference that stopped satisfying them.
	ModifiedEndmatch

	// Unregistering is fired before a service is removed from the indexes;
	// the reference is still usable during delivery.
	Unregistering
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case Registered:
		return "REGISTERED"
	case Modified:
		return "MODIFIED"
	case ModifiedEndmatch:
		return "MODIFIED_ENDMATCH"
	case Unregistering:
		return "UNREGISTERING"
	default:
		return "UNKNOWN"
	}
}

// ServiceEvent describes one change to a registered service.
type ServiceEvent struct {
	Type EventType

	// Ref is the reference to the affected service. For Unregistering
	// events it is still usable during delivery.
	Ref *Reference

	// OldProperties carries a copy of the property map from before the
	// change, for Modified and ModifiedEndmatch events. Nil otherwise.
	OldProperties Properties
}

// ServiceListener receives service events. Delivery to one listener is
// serialized: the registry never invokes the same listener concurrently
// from two goroutines. Callbacks run outside the registry's structural
// lock and may re-enter the registry, including causing further
// unregistrations. Errors or panics escaping a listener are logged and do
// not affect delivery to other listeners.
// Listeners are compared by identity in RemoveListener, so implementations
// should be pointer types.
type ServiceListener interface {
	ServiceChanged(event ServiceEvent)
}
