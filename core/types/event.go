package types

// Event is a typed notification emitted by an engine when it commits a state
// transition. Attributes carry string-encoded payload fields so downstream
// consumers (RPC, indexers, audit logs) do not need module-specific decoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
