// events.go records connection lifecycle events.
//
// Every lifecycle transition emits an Event. Events are kept in a fixed-size
// ring buffer for the API and fanned out to registered listeners (audit log,
// websocket subscribers). Listeners are called synchronously; slow consumers
// must hand off to their own goroutine.

package connpool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventBufferSize is the number of recent events retained.
const eventBufferSize = 500

// EventType names a connection lifecycle event.
type EventType string

const (
	EventCreated            EventType = "created"
	EventRehydrated         EventType = "rehydrated"
	EventReconnected        EventType = "reconnected"
	EventClosed             EventType = "closed"
	EventExpired            EventType = "expired"
	EventConnectFailed      EventType = "connect_failed"
	EventRehydrateFailed    EventType = "rehydrate_failed"
	EventReconnectFailed    EventType = "reconnect_failed"
	EventHealthCheckFailed  EventType = "health_check_failed"
	EventIntegrityFailure   EventType = "integrity_failure"
	EventStoreDegraded      EventType = "store_degraded"
	EventStoreRecovered     EventType = "store_recovered"
	EventRateLimited        EventType = "rate_limited"
	EventOperationAbandoned EventType = "operation_abandoned"
)

// Event is one lifecycle event. Store events carry no connection or owner.
type Event struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	OwnerID      string    `json:"owner_id,omitempty"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Details      string    `json:"details,omitempty"`
}

// EventListener receives events.
type EventListener func(Event)

// eventLog is a ring buffer of recent events plus the listener registry.
type eventLog struct {
	mu     sync.RWMutex
	events [eventBufferSize]Event
	head   int
	count  int

	listenersMu sync.RWMutex
	listeners   map[int]EventListener
	nextID      int
}

func newEventLog() *eventLog {
	return &eventLog{listeners: make(map[int]EventListener)}
}

func (el *eventLog) record(ev Event) {
	el.mu.Lock()
	el.events[el.head] = ev
	el.head = (el.head + 1) % eventBufferSize
	if el.count < eventBufferSize {
		el.count++
	}
	el.mu.Unlock()
}

// history returns retained events oldest first, filtered by owner when
// ownerID is non-empty.
func (el *eventLog) history(ownerID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	out := make([]Event, 0, el.count)
	start := 0
	if el.count == eventBufferSize {
		start = el.head
	}
	for i := 0; i < el.count; i++ {
		ev := el.events[(start+i)%eventBufferSize]
		if ownerID == "" || ev.OwnerID == ownerID {
			out = append(out, ev)
		}
	}
	return out
}

func (el *eventLog) subscribe(l EventListener) func() {
	el.listenersMu.Lock()
	id := el.nextID
	el.nextID++
	el.listeners[id] = l
	el.listenersMu.Unlock()

	return func() {
		el.listenersMu.Lock()
		delete(el.listeners, id)
		el.listenersMu.Unlock()
	}
}

func (el *eventLog) emit(ev Event) {
	el.record(ev)

	el.listenersMu.RLock()
	listeners := make([]EventListener, 0, len(el.listeners))
	for _, l := range el.listeners {
		listeners = append(listeners, l)
	}
	el.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

// OnEvent registers a listener and returns a function that removes it.
func (p *Pool) OnEvent(l EventListener) (unsubscribe func()) {
	return p.events.subscribe(l)
}

// Events returns recent events, oldest first. A non-empty ownerID restricts
// the result to that owner's connections.
func (p *Pool) Events(ownerID string) []Event {
	return p.events.history(ownerID)
}

func (p *Pool) emit(typ EventType, h *Handle, details string) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: p.now(),
		Details:   details,
	}
	if h != nil {
		ev.ConnectionID = h.id
		ev.OwnerID = h.ownerID
	}
	p.events.emit(ev)
}

// emitFor is emit for paths that have ids but no handle.
func (p *Pool) emitFor(typ EventType, id, ownerID, details string) {
	p.events.emit(Event{
		ID:           uuid.NewString(),
		ConnectionID: id,
		OwnerID:      ownerID,
		Type:         typ,
		Timestamp:    p.now(),
		Details:      details,
	})
}
