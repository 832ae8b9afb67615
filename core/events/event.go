package events

import "sync"

// Event represents a structured state change emitted by a ledger or by the
// settlement service.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (journal, webhooks,
// tests).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Record is the flattened form of an event: a type and string attributes.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventType implements Event.
func (r Record) EventType() string { return r.Type }

// Recorder keeps every emitted event in memory. Tests and the simulator use it
// to assert on the emitted sequence.
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

// Events returns a snapshot of the recorded events.
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

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []string {
	evts := r.Events()
	out := make([]string, 0, len(evts))
	for _, evt := range evts {
		out = append(out, evt.EventType())
	}
	return out
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}
