package chat

import (
	"testing"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"
)

func TestHistoryEchoWithinToleranceConfirmsPending(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.AddPending("L1", msg(v1.RoleClient, "u1", "hi", t0))

	echo := msg(v1.RoleClient, "u1", "hi", t0.Add(1200*time.Millisecond))
	if got := h.Reconcile(echo, false); got != Confirmed {
		t.Fatalf("outcome=%v want confirmed", got)
	}
	entries := h.Entries()
	if len(entries) != 1 {
		t.Fatalf("len=%d want 1", len(entries))
	}
	if entries[0].State != EntryConfirmed || entries[0].LocalID != "L1" {
		t.Fatalf("entry=%+v", entries[0])
	}
	if !entries[0].Message.Timestamp.Equal(echo.Timestamp.Time) {
		t.Fatalf("entry keeps local timestamp, want server copy")
	}

	if got := h.Reconcile(echo, false); got != Duplicate {
		t.Fatalf("second delivery outcome=%v want duplicate", got)
	}
	if h.Len() != 1 {
		t.Fatalf("len=%d want 1", h.Len())
	}
}

func TestHistoryOutsideToleranceAppends(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.AddPending("L1", msg(v1.RoleClient, "u1", "hi", t0))

	if got := h.Reconcile(msg(v1.RoleClient, "u1", "hi", t0.Add(3*time.Second)), false); got != Appended {
		t.Fatalf("outcome=%v want appended", got)
	}
	if h.Len() != 2 || h.Pending() != 1 {
		t.Fatalf("len=%d pending=%d want 2/1", h.Len(), h.Pending())
	}
}

func TestHistoryOwnEchoIgnoresTimestamp(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.AddPending("L1", msg(v1.RoleClient, "u1", "hi", t0))
	h.AddPending("L2", msg(v1.RoleClient, "u1", "hi", t0.Add(time.Second)))

	late := msg(v1.RoleClient, "u1", "hi", t0.Add(10*time.Second))
	if got := h.Reconcile(late, true); got != Confirmed {
		t.Fatalf("outcome=%v want confirmed", got)
	}
	entries := h.Entries()
	if entries[0].State != EntryConfirmed || entries[1].State != EntryPending {
		t.Fatalf("oldest pending must be promoted first: %+v", entries)
	}

	h.Reconcile(late, true)
	if got := h.Reconcile(late, true); got != Duplicate {
		t.Fatalf("own echo without pending outcome=%v want duplicate", got)
	}
	if h.Len() != 2 {
		t.Fatalf("own echoes must never append: len=%d", h.Len())
	}
}

func TestHistoryReplaceKeepsUnmatchedPending(t *testing.T) {
	t.Parallel()

	h := NewHistory(0)
	h.AddPending("L1", msg(v1.RoleAdmin, "a1", "on it", t0))
	h.AddPending("L2", msg(v1.RoleAdmin, "a1", "still there?", t0.Add(5*time.Second)))

	h.Replace([]v1.Message{
		msg(v1.RoleClient, "u1", "help", t0.Add(-time.Minute)),
		msg(v1.RoleAdmin, "a1", "on it", t0.Add(300*time.Millisecond)),
	})

	entries := h.Entries()
	if len(entries) != 3 {
		t.Fatalf("len=%d want 3: %+v", len(entries), entries)
	}
	if entries[1].LocalID != "L1" || entries[1].State != EntryConfirmed {
		t.Fatalf("server copy should absorb L1: %+v", entries[1])
	}
	if entries[2].LocalID != "L2" || entries[2].State != EntryPending {
		t.Fatalf("unmatched pending should trail: %+v", entries[2])
	}
}
