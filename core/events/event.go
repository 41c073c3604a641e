package events

import "rateswap/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Attributed events can be flattened into the generic key/value form used by
// the journal and the live event stream.
type Attributed interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (journal, websocket
// stream, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Fanout delivers every event to each emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Flatten converts evt into its generic form. Events that do not expose
// attributes are reported with their type only.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if a, ok := evt.(Attributed); ok {
		if out := a.Event(); out != nil {
			return out
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
