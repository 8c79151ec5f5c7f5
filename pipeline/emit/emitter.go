package emit

// Emitter receives execution events from the run scheduler and stage
// executor.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down run execution
//   - Thread-safe: events arrive from the scheduler and stage workers
//   - Resilient: an unavailable backend must not crash a run
//
// Emit must not panic; errors are handled internally by the emitter.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit sends the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
