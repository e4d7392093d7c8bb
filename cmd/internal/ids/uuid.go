package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeUUID validates s as a UUID and returns its canonical lowercase form.
// Device and user identifiers issued by the backend are UUIDs.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty id")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id.String(), nil
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := NormalizeUUID(s)
	return err == nil
}

// NewUUID returns a random (v4) UUID string.
func NewUUID() string {
	return uuid.NewString()
}
