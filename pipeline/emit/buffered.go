package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed
// by run id.
//
// It backs the live side of streamEvents: consumers query a run's history
// while the run executes, and tests assert on exact event sequences.
// Events for a run are kept in emission order, which matches the run's
// sequence numbers.
//
// Warning: all events are held in memory. For long-lived processes,
// clear terminated runs once their events are persisted.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// Filter selects a subset of a run's history. Zero-valued fields match
// everything; set fields combine with AND.
type Filter struct {
	// Kind filters by event kind (empty = no filter).
	Kind Kind

	// Stage filters by canonical stage kind (empty = no filter).
	Stage string
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events emitted for the run, in order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the run's events matching the filter, in order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events[runID] {
		if filter.Kind != "" && ev.Kind != filter.Kind {
			continue
		}
		if filter.Stage != "" && ev.Stage != filter.Stage {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear drops the stored history for a run. With no arguments it drops
// everything.
func (b *BufferedEmitter) Clear(runIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(runIDs) == 0 {
		b.events = make(map[string][]Event)
		return
	}
	for _, id := range runIDs {
		delete(b.events, id)
	}
}
