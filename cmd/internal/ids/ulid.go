// Package ids provides the identifier primitives of the console: ULIDs for
// client-local records and UUID checks for server-issued identifiers.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps pending chat entries ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// LocalID returns a ULID for a client-local record, falling back to a
// monotonic entropy source if the system reader fails.
func LocalID(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	return ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String()
}

// ULIDTime extracts the creation time of a ULID string.
func ULIDTime(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
