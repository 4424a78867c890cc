package types

// Event is the generic attribute bag handed to downstream consumers such as
// the RPC layer and trade indexers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
