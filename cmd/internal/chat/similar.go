package chat

import (
	"time"

	v1 "emconsole/shared/contracts/feed/v1"
)

// DefaultEchoTolerance is the window within which a server echo is matched to a
// local message.
const DefaultEchoTolerance = 2 * time.Second

// Similar reports whether a and b are the same logical message: equal text, equal
// sender role, and timestamps less than tolerance apart. Messages without a
// timestamp never match.
//
// The feed carries no message identifiers, so this heuristic is the only correlation
// available. Keep every caller going through it.
func Similar(a, b v1.Message, tolerance time.Duration) bool {
	if a.Text != b.Text || a.Role != b.Role {
		return false
	}
	if a.Timestamp.IsZero() || b.Timestamp.IsZero() {
		return false
	}
	d := a.Timestamp.Sub(b.Timestamp.Time)
	if d < 0 {
		d = -d
	}
	return d < tolerance
}
