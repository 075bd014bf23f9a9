package testutil

import (
	"slices"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
)

// Subscriber is a kernel event stream.
type Subscriber interface {
	Subscribe(fn func(core.Event)) (unsubscribe func())
}

// EventRecorder records every event a kernel publishes.
type EventRecorder struct {
	mu     sync.Mutex
	events []core.Event
	stop   func()
}

// Record subscribes a new recorder to k.
func Record(k Subscriber) *EventRecorder {
	r := &EventRecorder{}
	r.stop = k.Subscribe(func(ev core.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

// Stop unsubscribes the recorder.
func (r *EventRecorder) Stop() { r.stop() }

// Events returns the recorded events in publication order.
func (r *EventRecorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in publication order.
func (r *EventRecorder) Types() []core.EventType {
	return EventTypes(r.Events())
}

// OfType returns the recorded events of type t.
func (r *EventRecorder) OfType(t core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range r.Events() {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}
