package monitoring

import (
	"fmt"

	v1 "emconsole/shared/contracts/feed/v1"
)

// Profile is one day of consumption bucketed by hour of day. Missing hours are 0.
type Profile [24]float64

// HourlyProfile buckets samples by their hour of day. A later sample for the same
// hour replaces an earlier one.
func HourlyProfile(samples []v1.Sample) Profile {
	var p Profile
	for _, s := range samples {
		if s.Hour.IsZero() {
			continue
		}
		p[s.Hour.Hour()] = s.TotalConsumption
	}
	return p
}

// Total sums the day.
func (p Profile) Total() float64 {
	var sum float64
	for _, v := range p {
		sum += v
	}
	return sum
}

// Peak returns the hour with the highest consumption (the earliest on ties).
func (p Profile) Peak() (hour int, value float64) {
	for h, v := range p {
		if v > value {
			hour, value = h, v
		}
	}
	return hour, value
}

// HourLabel formats an hour bucket as "13:00".
func HourLabel(h int) string {
	return fmt.Sprintf("%d:00", h)
}
