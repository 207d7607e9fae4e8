package registry

import "time"

// EventKind classifies a lifecycle event emitted by the registry.
type EventKind string

const (
	EventPoolCreated EventKind = "pool_created"
	EventPoolClosed  EventKind = "pool_closed"
	EventError       EventKind = "error"
	EventWarning     EventKind = "warning"
	EventUnhealthy   EventKind = "unhealthy"
)

// Event describes one lifecycle occurrence on a registered database.
type Event struct {
	Kind     EventKind
	Database string
	Message  string
	Err      error
	Time     time.Time
}

// Observer receives registry lifecycle events. Implementations must not
// block; the registry invokes them inline on its own goroutines.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
