package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewULIDEncodesTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want 26", len(id))
	}
	got, err := ULIDTime(id)
	if err != nil {
		t.Fatalf("ULIDTime: %v", err)
	}
	if !got.Equal(now) {
		t.Fatalf("time=%s want %s", got, now)
	}

	if a, b := LocalID(now), LocalID(now); a == b {
		t.Fatalf("local ids collide: %s", a)
	}
}

func TestNormalizeUUID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{" 3F2504E0-4F89-11D3-9A0C-0305E82C3301 ", "3f2504e0-4f89-11d3-9a0c-0305e82c3301", false},
		{"3f2504e0-4f89-11d3-9a0c-0305e82c3301", "3f2504e0-4f89-11d3-9a0c-0305e82c3301", false},
		{"", "", true},
		{"device-1", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeUUID(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("NormalizeUUID(%q) err=%v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeUUID(%q)=%q want %q", tc.in, got, tc.want)
		}
	}

	if id := NewUUID(); !IsUUID(id) || strings.ToLower(id) != id {
		t.Fatalf("NewUUID=%q", id)
	}
}
