package domain

// ElementRef is an opaque reference into an accessibility tree.
// The center never dereferences it; ElementID only provides identity.
type ElementRef interface {
	ElementID() string
}

// EventSource is a platform-level registration object. Notifications can
// only be requested through one, and ideally one exists per process.
type EventSource interface {
	SourceID() string
}

// Callback is the single entry point the platform invokes when an event fires.
// It may run on any goroutine.
type Callback func(element ElementRef, rawType string, rawPayload any, refcon any)

// CallbackContext is handed to the platform with each registration and comes
// back as the refcon of every callback
type CallbackContext struct {
	// Owner is the id of the center that made the registration
	Owner string

	// Process is the process the event source is bound to, nil for the
	// system-wide source
	Process *ProcessID
}

// Platform is the accessibility capability the center depends on
type Platform interface {
	// CreateEventSource creates an event source for a process, or the
	// system-wide source when pid is nil
	CreateEventSource(pid *ProcessID, cb Callback) (EventSource, error)

	// AddNotification starts delivery of a notification type for an element
	AddNotification(src EventSource, element ElementRef, t NotificationType, refcon any) error

	// RemoveNotification stops delivery of a notification type for an element
	RemoveNotification(src EventSource, element ElementRef, t NotificationType) error

	// DestroyEventSource releases an event source
	DestroyEventSource(src EventSource)

	// ApplicationElement returns the root element of a process
	ApplicationElement(pid ProcessID) (ElementRef, error)

	// SystemElement returns the system-wide element
	SystemElement() ElementRef

	// ProcessOf resolves the process owning an element
	ProcessOf(element ElementRef) (ProcessID, error)
}

// Handler receives notifications on the center's control loop
type Handler interface {
	Handle(n Notification) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(n Notification) error

// Handle calls f(n)
func (f HandlerFunc) Handle(n Notification) error {
	return f(n)
}
