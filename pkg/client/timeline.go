package client

import (
	"github.com/samber/lo"

	"github.com/MrCobi/periodico-messaging/internal/model"
)

// Entry is one row of the conversation view: either a confirmed message or
// a tentative one awaiting server confirmation. The tagged form keeps
// placeholder identity separate from the message id.
type Entry struct {
	Message model.Message
	Pending bool
	LocalID string
}

// DateGroup is a calendar-date slice of the timeline, used for date
// headers. It is a pure projection; the underlying order is untouched.
type DateGroup struct {
	Date    string
	Entries []Entry
}

// timeline is the client-local ordered message list. Not safe for
// concurrent use; the session serializes access.
type timeline struct {
	entries []Entry
	seen    map[string]struct{}
}

func newTimeline() *timeline {
	return &timeline{seen: make(map[string]struct{})}
}

// addPending inserts an optimistic entry at the end of the list.
func (t *timeline) addPending(msg model.Message, localID string) {
	t.entries = append(t.entries, Entry{
		Message: msg,
		Pending: true,
		LocalID: localID,
	})
}

// confirm replaces the pending entry matching localID with the
// server-confirmed message, preserving its position.
func (t *timeline) confirm(localID string, confirmed model.Message) bool {
	for i := range t.entries {
		if t.entries[i].Pending && t.entries[i].LocalID == localID {
			t.entries[i] = Entry{Message: confirmed}
			t.seen[confirmed.ID] = struct{}{}
			return true
		}
	}
	return false
}

// removePending drops the optimistic entry after a failed send.
func (t *timeline) removePending(localID string) bool {
	for i := range t.entries {
		if t.entries[i].Pending && t.entries[i].LocalID == localID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ingest appends a confirmed message unless an entry with the same final id
// is already present. Broker delivery is at-least-once, so duplicates after
// a reconnect are expected and must collapse here.
func (t *timeline) ingest(msg model.Message) bool {
	if _, dup := t.seen[msg.ID]; dup {
		return false
	}
	t.seen[msg.ID] = struct{}{}
	t.entries = append(t.entries, Entry{Message: msg})
	return true
}

// replaceConfirmed rebuilds the confirmed portion of the list from a full
// server refresh, keeping pending entries at the tail.
func (t *timeline) replaceConfirmed(msgs []model.Message) {
	pending := lo.Filter(t.entries, func(e Entry, _ int) bool { return e.Pending })

	t.entries = make([]Entry, 0, len(msgs)+len(pending))
	t.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		t.seen[m.ID] = struct{}{}
		t.entries = append(t.entries, Entry{Message: m})
	}
	t.entries = append(t.entries, pending...)
}

// merge folds a server refresh into the existing list, deduplicating by id.
func (t *timeline) merge(msgs []model.Message) (added int) {
	for _, m := range msgs {
		if t.ingest(m) {
			added++
		}
	}
	return added
}

// snapshot returns a copy of the list.
func (t *timeline) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// dateLayout matches the original view's day/month/year headers.
const dateLayout = "02/01/2006"

// groupedByDate partitions the timeline into calendar-date groups in
// timeline order.
func (t *timeline) groupedByDate() []DateGroup {
	byDate := lo.GroupBy(t.entries, func(e Entry) string {
		return e.Message.CreatedAt.Local().Format(dateLayout)
	})

	dates := lo.Uniq(lo.Map(t.entries, func(e Entry, _ int) string {
		return e.Message.CreatedAt.Local().Format(dateLayout)
	}))

	groups := make([]DateGroup, 0, len(dates))
	for _, d := range dates {
		groups = append(groups, DateGroup{Date: d, Entries: byDate[d]})
	}
	return groups
}
