package types

// Event represents a typed event emitted during escrow state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute stored under key, or the empty string when the
// event or attribute is missing.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}
