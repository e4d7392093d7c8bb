package feedsim

import (
	"errors"
	"sort"
	"sync"
	"time"

	v1 "emconsole/shared/contracts/feed/v1"
)

const maxHoursPerDevice = 24 * 90

// DeviceStats mirrors the monitoring stats endpoint.
type DeviceStats struct {
	DeviceID           string `json:"deviceId"`
	TotalMeasurements  int64  `json:"totalMeasurements"`
	TotalHourlyRecords int64  `json:"totalHourlyRecords"`
}

// MeasurementStore aggregates raw readings into hourly samples per device.
type MeasurementStore struct {
	mu      sync.Mutex
	devices map[string]*deviceSeries
}

type deviceSeries struct {
	readings int64
	hours    map[time.Time]v1.Sample
}

// NewMeasurementStore constructs an empty store.
func NewMeasurementStore() *MeasurementStore {
	return &MeasurementStore{devices: make(map[string]*deviceSeries)}
}

// Record adds kwh to the hour containing at and returns the updated hourly sample.
func (s *MeasurementStore) Record(deviceID string, at time.Time, kwh float64) (v1.Sample, error) {
	if deviceID == "" {
		return v1.Sample{}, errors.New("missing device id")
	}
	if kwh < 0 {
		return v1.Sample{}, errors.New("negative consumption")
	}
	hour := at.Truncate(time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.devices[deviceID]
	if d == nil {
		d = &deviceSeries{hours: make(map[time.Time]v1.Sample)}
		s.devices[deviceID] = d
	}
	d.readings++

	sample, ok := d.hours[hour]
	if !ok {
		sample = v1.Sample{DeviceID: deviceID, Hour: v1.At(hour)}
	}
	sample.TotalConsumption += kwh
	d.hours[hour] = sample

	if len(d.hours) > maxHoursPerDevice {
		d.evictOldest()
	}
	return sample, nil
}

func (d *deviceSeries) evictOldest() {
	var oldest time.Time
	for h := range d.hours {
		if oldest.IsZero() || h.Before(oldest) {
			oldest = h
		}
	}
	delete(d.hours, oldest)
}

// Daily returns the hourly samples of deviceID whose calendar date is date, ordered by hour.
func (s *MeasurementStore) Daily(deviceID, date string) []v1.Sample {
	s.mu.Lock()
	d := s.devices[deviceID]
	var out []v1.Sample
	if d != nil {
		for _, sample := range d.hours {
			if sample.Hour.CalendarDate() == date {
				out = append(out, sample)
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour.Time) })
	return out
}

// Stats returns the counters of deviceID.
func (s *MeasurementStore) Stats(deviceID string) DeviceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := DeviceStats{DeviceID: deviceID}
	if d := s.devices[deviceID]; d != nil {
		st.TotalMeasurements = d.readings
		st.TotalHourlyRecords = int64(len(d.hours))
	}
	return st
}
