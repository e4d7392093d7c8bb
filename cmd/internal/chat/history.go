package chat

import (
	"time"

	v1 "emconsole/shared/contracts/feed/v1"
)

// EntryState is the confirmation phase of a history entry.
type EntryState int

const (
	// EntryPending is a locally sent message the server has not echoed yet.
	EntryPending EntryState = iota
	// EntryConfirmed is a message known to the server.
	EntryConfirmed
)

func (s EntryState) String() string {
	if s == EntryPending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one line of a conversation.
type Entry struct {
	// LocalID is set for entries created locally.
	LocalID string
	Message v1.Message
	State   EntryState
}

// Outcome reports what Reconcile did with an inbound message.
type Outcome int

const (
	// Appended: no entry matched; the message was added as confirmed.
	Appended Outcome = iota
	// Confirmed: a pending entry matched and was promoted.
	Confirmed
	// Duplicate: a confirmed entry already covers the message; it was discarded.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Duplicate:
		return "duplicate"
	default:
		return "appended"
	}
}

// History is an ordered conversation with two-phase entries.
//
// Promotion rules:
//   - an inbound message similar to a pending entry promotes the oldest such entry;
//   - an inbound message similar to a confirmed entry is discarded;
//   - an echo of our own message promotes the oldest pending entry with the same text
//     and is never appended.
//
// History is not safe for concurrent use; the coordinator guards it.
type History struct {
	tolerance time.Duration
	entries   []Entry
}

// NewHistory constructs an empty history. tolerance <= 0 uses DefaultEchoTolerance.
func NewHistory(tolerance time.Duration) *History {
	if tolerance <= 0 {
		tolerance = DefaultEchoTolerance
	}
	return &History{tolerance: tolerance}
}

// AddPending appends a locally sent message.
func (h *History) AddPending(localID string, m v1.Message) Entry {
	e := Entry{LocalID: localID, Message: m, State: EntryPending}
	h.entries = append(h.entries, e)
	return e
}

// Reconcile merges an inbound message. own marks an echo of a message this party sent.
func (h *History) Reconcile(m v1.Message, own bool) Outcome {
	if own {
		if i := h.findPending(func(e Entry) bool { return e.Message.Text == m.Text }); i >= 0 {
			h.promote(i, m)
			return Confirmed
		}
		return Duplicate
	}

	if i := h.findPending(func(e Entry) bool { return Similar(e.Message, m, h.tolerance) }); i >= 0 {
		h.promote(i, m)
		return Confirmed
	}
	for _, e := range h.entries {
		if e.State == EntryConfirmed && Similar(e.Message, m, h.tolerance) {
			return Duplicate
		}
	}
	h.entries = append(h.entries, Entry{Message: m, State: EntryConfirmed})
	return Appended
}

// Replace installs the server's view of the conversation. Pending entries that no
// server message accounts for are kept after it.
func (h *History) Replace(msgs []v1.Message) {
	next := make([]Entry, 0, len(msgs)+len(h.entries))
	for _, m := range msgs {
		next = append(next, Entry{Message: m, State: EntryConfirmed})
	}

	for _, e := range h.entries {
		if e.State != EntryPending {
			continue
		}
		matched := false
		for i := range next[:len(msgs)] {
			if next[i].LocalID == "" && Similar(next[i].Message, e.Message, h.tolerance) {
				next[i].LocalID = e.LocalID
				matched = true
				break
			}
		}
		if !matched {
			next = append(next, e)
		}
	}
	h.entries = next
}

// Clear drops every entry.
func (h *History) Clear() { h.entries = nil }

// Len returns the number of entries.
func (h *History) Len() int { return len(h.entries) }

// Pending returns the number of unconfirmed entries.
func (h *History) Pending() int {
	n := 0
	for _, e := range h.entries {
		if e.State == EntryPending {
			n++
		}
	}
	return n
}

// Entries returns a copy of the entries in order.
func (h *History) Entries() []Entry {
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Messages returns the messages in order.
func (h *History) Messages() []v1.Message {
	out := make([]v1.Message, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Message
	}
	return out
}

func (h *History) findPending(match func(Entry) bool) int {
	for i, e := range h.entries {
		if e.State == EntryPending && match(e) {
			return i
		}
	}
	return -1
}

// promote supersedes the pending entry at i with the server's copy, keeping its slot.
func (h *History) promote(i int, m v1.Message) {
	h.entries[i] = Entry{LocalID: h.entries[i].LocalID, Message: m, State: EntryConfirmed}
}
