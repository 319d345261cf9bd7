// Package store provides durable and in-memory implementations of the
// collaborator surfaces the conversation gateway consumes: the message log,
// the relationship (follow) store and the read-state tracker.
package store

// Page bounds a List call. The zero value returns the full conversation.
type Page struct {
	Limit  int
	Offset int
}

// clamp normalizes pathological pagination values.
func (p Page) clamp() Page {
	if p.Limit < 0 {
		p.Limit = 0
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
