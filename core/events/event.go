package events

// Event is a structured state change produced by one of the native engines.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (RPC, dashboards,
// alerting).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything. Engines default
// to it so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
