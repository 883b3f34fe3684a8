package router

import "github.com/petal-labs/conduit/core"

// EventType tags a routing event.
type EventType string

const (
	// EventBackendSelected fires when a backend is chosen for a request.
	EventBackendSelected EventType = "backend:selected"
	// EventBackendFailed fires when a backend call fails.
	EventBackendFailed EventType = "backend:failed"
	// EventBackendSwitch fires when the router falls back to another
	// backend after a failure.
	EventBackendSwitch EventType = "backend:switch"
	// EventHealthChanged fires when a backend transitions between healthy
	// and unhealthy.
	EventHealthChanged EventType = "backend:health"
)

// Event is one routing notification. Hooks must be fast; they are called
// inline on the request path.
type Event struct {
	Type      EventType
	Backend   string
	RequestID string
	Err       *core.Error
	Healthy   bool

	// From and To are set on switch events: the backend that failed and
	// the one tried next.
	From string
	To   string
}

// EventHook receives routing events.
type EventHook func(Event)

func (r *Router) emit(e Event) {
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(e)
	}
}
