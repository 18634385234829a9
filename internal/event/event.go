// Package event is the outbound side of the managers: they queue events
// while holding their locks and deliver them once the lock is released.
package event

import "log"

// Emitter delivers one event to one connection. Implementations must be safe
// for concurrent use; the WebSocket server is the production Emitter.
type Emitter interface {
	Emit(connID, msgType string, payload interface{}) error
}

// Event is a queued outbound event.
type Event struct {
	ConnID  string
	Type    string
	Payload interface{}
}

// Outbox collects events in order. The zero value is ready to use.
type Outbox struct {
	events []Event
}

// Add queues an event for one connection.
func (o *Outbox) Add(connID, msgType string, payload interface{}) {
	o.events = append(o.events, Event{ConnID: connID, Type: msgType, Payload: payload})
}

// Broadcast queues the same event for every connection in connIDs.
func (o *Outbox) Broadcast(connIDs []string, msgType string, payload interface{}) {
	for _, id := range connIDs {
		o.Add(id, msgType, payload)
	}
}

// Events returns the queued events.
func (o *Outbox) Events() []Event {
	return o.events
}

// Len returns the number of queued events.
func (o *Outbox) Len() int {
	return len(o.events)
}

// Flush delivers every queued event in order and empties the outbox. A
// failed delivery is logged and does not stop the rest.
func (o *Outbox) Flush(e Emitter) {
	for _, ev := range o.events {
		if err := e.Emit(ev.ConnID, ev.Type, ev.Payload); err != nil {
			log.Printf("[event] emit %s to %s: %v", ev.Type, ev.ConnID, err)
		}
	}
	o.events = o.events[:0]
}
