package events

import "sync"

// Event represents a structured escrow state change.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. webhooks,
// indexers, the payout pipeline).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps every emitted event in memory. The CLI uses it to print the
// events of a single decision; tests use it to assert on emitted payloads.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types recorded so far, in emission order.
func (r *Recorder) Types() []string {
	recorded := r.Events()
	out := make([]string, 0, len(recorded))
	for _, evt := range recorded {
		out = append(out, evt.EventType())
	}
	return out
}

// Fanout forwards every event to each of the wrapped emitters.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
