package feedsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"emconsole/cmd/internal/restapi"
	v1 "emconsole/shared/contracts/feed/v1"
)

// MeteringFeed is the feed name used in simulator logs and metrics.
const MeteringFeed = "metering"

// Metering simulates the measurement push server. A session receives newMeasurement
// envelopes for the device it subscribed to last.
type Metering struct {
	log     *slog.Logger
	store   *MeasurementStore
	metrics *Metrics
	now     func() time.Time

	mu      sync.RWMutex
	peers   map[string]*peer
	devices map[string]string // session id -> device id
}

// NewMetering constructs the server. store receives every published reading.
func NewMetering(log *slog.Logger, store *MeasurementStore, m *Metrics) *Metering {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewMeasurementStore()
	}
	return &Metering{
		log:     log,
		store:   store,
		metrics: m,
		now:     time.Now,
		peers:   make(map[string]*peer),
		devices: make(map[string]string),
	}
}

// Handler returns the websocket endpoint.
func (s *Metering) Handler(cfg GatewayConfig) http.Handler {
	return newGateway(s.log, cfg, s, s.metrics, s.now)
}

// Store returns the measurement store.
func (s *Metering) Store() *MeasurementStore { return s.store }

// Record stores a reading and pushes the updated hourly sample to the device's
// subscribers. It returns the number of sessions reached.
func (s *Metering) Record(deviceID string, at time.Time, kwh float64) (int, error) {
	sample, err := s.store.Record(deviceID, at, kwh)
	if err != nil {
		return 0, err
	}
	return s.Publish(sample), nil
}

// Publish pushes sample to the subscribers of its device without storing it.
func (s *Metering) Publish(sample v1.Sample) int {
	b := encode(s.log, v1.Envelope{Type: v1.TypeNewMeasurement, DeviceID: sample.DeviceID}, sample)
	n := s.broadcast(sample.DeviceID, b)
	s.metrics.published(MeteringFeed, v1.TypeNewMeasurement, n)
	s.log.Debug("sim.metering.publish", "device_id", sample.DeviceID, "sessions", n)
	return n
}

// PublishAlert pushes an alert to the subscribers of its device.
func (s *Metering) PublishAlert(a v1.Alert) int {
	b := encode(s.log, v1.Envelope{Type: v1.TypeAlert}, a)
	n := s.broadcast(a.DeviceID, b)
	s.metrics.published(MeteringFeed, v1.TypeAlert, n)
	s.log.Info("sim.metering.alert", "device_id", a.DeviceID, "current_kwh", a.CurrentValue, "max_kwh", a.MaxConsumption, "sessions", n)
	return n
}

func (s *Metering) broadcast(deviceID string, b []byte) int {
	s.mu.RLock()
	var targets []*peer
	for id, dev := range s.devices {
		if dev == deviceID {
			targets = append(targets, s.peers[id])
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if deliver(p, b) {
			n++
		}
	}
	return n
}

// overconsumption builds the alert for a reading of kwh that took sample over the
// device maximum. Later readings in the same hour do not alert again.
func overconsumption(dev restapi.Device, sample v1.Sample, kwh float64) (v1.Alert, bool) {
	if dev.MaxConsumption == nil {
		return v1.Alert{}, false
	}
	limit, total := *dev.MaxConsumption, sample.TotalConsumption
	if total <= limit || total-kwh > limit {
		return v1.Alert{}, false
	}
	hour := sample.Hour.Format("2006-01-02T15:04")
	return v1.Alert{
		Kind:           v1.AlertOverconsumption,
		DeviceID:       dev.ID,
		DeviceName:     dev.Name,
		CurrentValue:   total,
		MaxConsumption: limit,
		Timestamp:      sample.Hour,
		Message: fmt.Sprintf("Device %s exceeded maximum consumption in hour %s! Consumed: %.3f kWh, Max: %.3f kWh",
			dev.Name, hour, total, limit),
	}, true
}

// Subscribers returns the number of sessions subscribed to deviceID.
func (s *Metering) Subscribers(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, dev := range s.devices {
		if dev == deviceID {
			n++
		}
	}
	return n
}

func (s *Metering) feedName() string { return MeteringFeed }

func (s *Metering) open(p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
}

func (s *Metering) closed(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	dev := s.devices[p.id]
	delete(s.devices, p.id)
	s.mu.Unlock()
	s.log.Info("sim.metering.closed", "session_id", p.id, "device_id", dev)
}

// The metering server answers nothing to frames it cannot handle.
func (s *Metering) reject(*peer, error) {}

func (s *Metering) route(p *peer, action string, raw []byte) error {
	if action != v1.ActionSubscribe {
		return fmt.Errorf("unsupported action: %s", action)
	}
	var sub struct {
		DeviceID string `json:"deviceId"`
		UserID   string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("invalid subscribe: %w", err)
	}
	deviceID := strings.TrimSpace(sub.DeviceID)
	if deviceID == "" {
		return errors.New("missing field: deviceId")
	}

	s.mu.Lock()
	s.devices[p.id] = deviceID
	s.mu.Unlock()

	s.log.Info("sim.metering.subscribe", "session_id", p.id, "device_id", deviceID)
	deliver(p, encode(s.log, v1.Envelope{
		Type:     v1.TypeSubscribed,
		DeviceID: deviceID,
		Message:  "Successfully subscribed to device updates",
	}, nil))
	return nil
}
