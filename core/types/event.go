package types

// Event is the canonical wire representation of a state change emitted by the
// settlement node. Attribute values are pre-rendered strings so downstream
// indexers never need to understand engine-internal types.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
