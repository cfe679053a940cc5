package pool

// EventType identifies a pool lifecycle event.
type EventType string

const (
	EventConnectionCreated   EventType = "ConnectionCreated"
	EventConnectionDestroyed EventType = "ConnectionDestroyed"
	EventConnectionAcquired  EventType = "ConnectionAcquired"
	EventConnectionReleased  EventType = "ConnectionReleased"
	EventAcquireFailed       EventType = "AcquireFailed"
	EventPoolDrained         EventType = "PoolDrained"
)

// Destroy and failure reasons attached to events.
const (
	ReasonInvalid         = "invalid"
	ReasonIdleExpired     = "idle"
	ReasonLifetimeExpired = "lifetime"
	ReasonCapacity        = "capacity"
	ReasonDrain           = "drain"
	ReasonDraining        = "draining"
	ReasonTimeout         = "timeout"
	ReasonCancelled       = "cancelled"
)

// Event is a tagged pool lifecycle notification.
type Event struct {
	Type         EventType
	Pool         string
	ConnectionID string
	Reason       string
}

// Monitor receives pool events. It must be fast; a slow monitor delays pool
// operations. Panics in the monitor are recovered and logged.
type Monitor func(Event)
