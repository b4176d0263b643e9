package types

// Event represents a typed record emitted during state transitions. Attribute
// values are plain strings so downstream consumers never need module-specific
// decoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
