package events

import (
	"sync"

	"cdpledger/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the event stream,
// the audit journal).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload converts an event into its wire representation. Events that do not
// provide their own payload are rendered with an empty attribute set.
func Payload(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := provider.Event(); payload != nil {
			return payload
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Buffer holds events emitted inside a state transaction until the caller
// decides whether they should be released.
type Buffer struct {
	mu     sync.Mutex
	events []types.Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	payload := Payload(evt)
	if b == nil || payload == nil {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, payload.Clone())
	b.mu.Unlock()
}

// Events returns a copy of the buffered payloads.
func (b *Buffer) Events() []types.Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(b.events))
	for i := range b.events {
		out[i] = b.events[i].Clone()
	}
	return out
}

// Reset discards all buffered events.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Sink receives committed event payloads.
type Sink interface {
	Publish(types.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(types.Event)

// Publish implements Sink.
func (f SinkFunc) Publish(evt types.Event) { f(evt) }

// Release forwards every buffered payload to the sinks in emission order and
// empties the buffer.
func (b *Buffer) Release(sinks ...Sink) {
	for _, evt := range b.Events() {
		for _, sink := range sinks {
			if sink != nil {
				sink.Publish(evt.Clone())
			}
		}
	}
	b.Reset()
}
