package compkit

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Observer receives framework events. Observers register with the
// Framework and are notified synchronously; they should return quickly
// to avoid stalling the life-cycle transition that emitted the event.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// CloudEvent type constants emitted by the framework, in reverse domain
// notation per the CloudEvents specification.
const (
	EventTypeFactoryRegistered   = "com.compkit.factory.registered"
	EventTypeFactoryUnregistered = "com.compkit.factory.unregistered"

	EventTypeInstanceCreated      = "com.compkit.instance.created"
	EventTypeInstanceValidating   = "com.compkit.instance.validating"
	EventTypeInstanceValid        = "com.compkit.instance.valid"
	EventTypeInstanceInvalidating = "com.compkit.instance.invalidating"
	EventTypeInstanceInvalid      = "com.compkit.instance.invalid"
	EventTypeInstanceErroneous    = "com.compkit.instance.erroneous"
	EventTypeInstanceKilled       = "com.compkit.instance.killed"

	EventTypeFrameworkStopped = "com.compkit.framework.stopped"
)

// eventTypeForState maps a life-cycle state to the CloudEvent type
// announcing the transition into it.
func eventTypeForState(s State) string {
	switch s {
	case Validating:
		return EventTypeInstanceValidating
	case Valid:
		return EventTypeInstanceValid
	case Invalidating:
		return EventTypeInstanceInvalidating
	case Invalid:
		return EventTypeInstanceInvalid
	case Erroneous:
		return EventTypeInstanceErroneous
	case Killed:
		return EventTypeInstanceKilled
	default:
		return EventTypeInstanceCreated
	}
}

// NewCloudEvent creates a CloudEvent with the framework's conventions:
// a UUIDv7 identifier, the current time and JSON-encoded data.
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for key, value := range metadata {
		event.SetExtension(key, value)
	}
	return event
}

// generateEventID returns a UUIDv7, falling back to v4 when v7 fails.
// UUIDv7 includes timestamp information which keeps event identifiers
// time-ordered.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// FunctionalObserver adapts a function to the Observer interface, for
// quick observer creation without defining a struct.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an Observer that delegates to the given
// function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer.
func (o *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return o.handler(ctx, event)
}

// ObserverID implements Observer.
func (o *FunctionalObserver) ObserverID() string { return o.id }
