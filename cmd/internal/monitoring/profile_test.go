package monitoring

import (
	"testing"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"
)

func TestHourlyProfile(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	samples := []v1.Sample{
		{Hour: v1.At(day), TotalConsumption: 0.5},
		{Hour: v1.At(day.Add(13 * time.Hour)), TotalConsumption: 2},
		{Hour: v1.At(day.Add(13 * time.Hour)), TotalConsumption: 3},
		{Hour: v1.At(day.Add(23 * time.Hour)), TotalConsumption: 1.25},
		{TotalConsumption: 9},
	}

	p := HourlyProfile(samples)
	want := map[int]float64{0: 0.5, 13: 3, 23: 1.25}
	for h, v := range p {
		if v != want[h] {
			t.Fatalf("hour %d: got %v want %v", h, v, want[h])
		}
	}
	if p.Total() != 4.75 {
		t.Fatalf("total=%v", p.Total())
	}
	if h, v := p.Peak(); h != 13 || v != 3 {
		t.Fatalf("peak=%d,%v", h, v)
	}
	if HourLabel(7) != "7:00" {
		t.Fatalf("label=%q", HourLabel(7))
	}

	var empty Profile
	if h, v := empty.Peak(); h != 0 || v != 0 {
		t.Fatalf("empty peak=%d,%v", h, v)
	}
}
