package emit

// NullEmitter discards all events. Useful as a default when no
// observability backend is configured and in benchmarks where emission
// overhead must be excluded.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
