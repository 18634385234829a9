package event

import "sync"

// Recorder is an Emitter that keeps every event in memory. Tests use it in
// place of the WebSocket server.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	fail   map[string]error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// Emit records the event, or returns the failure set with FailFor.
func (r *Recorder) Emit(connID, msgType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[connID]; ok {
		return err
	}
	r.events = append(r.events, Event{ConnID: connID, Type: msgType, Payload: payload})
	return nil
}

// FailFor makes every later Emit to connID return err.
func (r *Recorder) FailFor(connID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[connID] = err
}

// All returns every recorded event in order.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the events delivered to connID in order.
func (r *Recorder) For(connID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.ConnID == connID {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event types delivered to connID in order.
func (r *Recorder) Types(connID string) []string {
	var out []string
	for _, ev := range r.For(connID) {
		out = append(out, ev.Type)
	}
	return out
}

// Last returns the most recent event of msgType delivered to connID.
func (r *Recorder) Last(connID, msgType string) (Event, bool) {
	evs := r.For(connID)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == msgType {
			return evs[i], true
		}
	}
	return Event{}, false
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
