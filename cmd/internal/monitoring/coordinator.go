package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"emconsole/cmd/internal/realtime"
	"emconsole/cmd/internal/restapi"
	v1 "emconsole/shared/contracts/feed/v1"
)

// DefaultDebounce is the trailing quiet period before a re-fetch.
const DefaultDebounce = 500 * time.Millisecond

// DefaultAlertTTL is how long an alert stays in the view unless dismissed.
const DefaultAlertTTL = 10 * time.Second

const (
	defaultFetchTimeout = 10 * time.Second
	maxAlerts           = 5
)

// Fetcher loads the full-day aggregate of one device.
type Fetcher interface {
	DailyConsumption(ctx context.Context, deviceID, date string) ([]v1.Sample, error)
}

// Channel is the metering feed as the coordinator uses it.
type Channel interface {
	Connect(deviceID string)
	Disconnect()
	Subscribe(id string, fn realtime.Handler) *realtime.Subscription
}

// Config tunes a Coordinator.
type Config struct {
	Debounce     time.Duration
	FetchTimeout time.Duration
	AlertTTL     time.Duration
}

// Alert is an overconsumption notice held in the view until dismissed or expired.
type Alert struct {
	v1.Alert
	ID         int
	ReceivedAt time.Time
}

// View is the state the chart renders.
type View struct {
	DeviceID  string
	Date      string
	Loading   bool
	Err       string
	Samples   []v1.Sample
	Profile   Profile
	UpdatedAt time.Time
	// Alerts survive device and date changes.
	Alerts []Alert
}

type viewKey struct {
	deviceID string
	date     string
}

// Coordinator keeps the displayed device/day view in sync with the metering feed.
//
// Measurements for the displayed device and date re-arm a trailing debounce timer.
// When it fires, one fetch starts; while a fetch is in flight further firings only mark
// a follow-up fetch, which starts when the in-flight one completes. A result whose
// device/date no longer matches the view is discarded.
type Coordinator struct {
	log     *slog.Logger
	loop    *realtime.Loop
	clock   realtime.Clock
	channel Channel
	fetcher Fetcher
	metrics *Metrics
	cfg     Config

	mu       sync.Mutex
	key      viewKey
	sub      *realtime.Subscription
	timer    realtime.Timer
	timerSeq uint64
	inFlight bool
	pending  bool
	fetches  int
	view     View
	onChange func(View)
	closed   bool

	alerts      []Alert
	alertTimers map[int]realtime.Timer
	alertSeq    int
}

// NewCoordinator constructs a coordinator showing today's date and no device.
func NewCoordinator(log *slog.Logger, loop *realtime.Loop, clock realtime.Clock, channel Channel, fetcher Fetcher, m *Metrics, cfg Config) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = realtime.SystemClock()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.AlertTTL <= 0 {
		cfg.AlertTTL = DefaultAlertTTL
	}
	today := clock.Now().Format(v1.DateLayout)
	return &Coordinator{
		log:     log,
		loop:    loop,
		clock:   clock,
		channel: channel,
		fetcher: fetcher,
		metrics: m,
		cfg:     cfg,
		key:     viewKey{date: today},
		view:    View{Date: today},

		alertTimers: make(map[int]realtime.Timer),
	}
}

// OnChange sets the callback invoked after every view update. It runs outside the
// coordinator lock.
func (c *Coordinator) OnChange(fn func(View)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// View returns a snapshot of the current view.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Fetches returns the number of fetches started so far.
func (c *Coordinator) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// SelectDevice switches the displayed device. The previous subscription is released
// and the feed reconnected for the new device before the new subscription is made.
func (c *Coordinator) SelectDevice(deviceID string) {
	c.mu.Lock()
	if c.closed || deviceID == "" || deviceID == c.key.deviceID {
		c.mu.Unlock()
		return
	}
	prev := c.key.deviceID
	c.stopDebounceLocked()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.key.deviceID = deviceID
	c.resetViewLocked()
	c.mu.Unlock()

	c.log.Info("monitoring.device.select", "device_id", deviceID, "previous_device_id", prev)
	if prev != "" {
		c.channel.Disconnect()
	}
	sub := c.channel.Subscribe("energy-chart-"+deviceID, c.handle)

	c.mu.Lock()
	c.sub = sub
	c.requestFetchLocked()
	c.mu.Unlock()

	c.channel.Connect(deviceID)
	c.notify()
}

// SelectDate switches the displayed day (YYYY-MM-DD). The subscription is kept.
func (c *Coordinator) SelectDate(date string) error {
	if _, err := time.Parse(v1.DateLayout, date); err != nil {
		return fmt.Errorf("monitoring: invalid date %q: %w", date, err)
	}

	c.mu.Lock()
	if c.closed || date == c.key.date {
		c.mu.Unlock()
		return nil
	}
	c.stopDebounceLocked()
	c.key.date = date
	c.resetViewLocked()
	c.requestFetchLocked()
	c.mu.Unlock()

	c.log.Info("monitoring.date.select", "date", date)
	c.notify()
	return nil
}

// Refresh requests a fetch of the current view through the in-flight guard.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	started := c.requestFetchLocked()
	c.mu.Unlock()
	if started {
		c.notify()
	}
}

// Close releases the subscription and disconnects the feed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopDebounceLocked()
	for id, t := range c.alertTimers {
		t.Stop()
		delete(c.alertTimers, id)
	}
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	sub.Close()
	c.channel.Disconnect()
}

// DismissAlert removes the alert with id from the view.
func (c *Coordinator) DismissAlert(id int) bool {
	return c.dismissAlert(id, "dismissed")
}

func (c *Coordinator) dismissAlert(id int, outcome string) bool {
	c.mu.Lock()
	removed := c.removeAlertLocked(id)
	c.mu.Unlock()
	if !removed {
		return false
	}
	c.metrics.alert(outcome)
	c.notify()
	return true
}

func (c *Coordinator) removeAlertLocked(id int) bool {
	if t, ok := c.alertTimers[id]; ok {
		t.Stop()
		delete(c.alertTimers, id)
	}
	for i, a := range c.alerts {
		if a.ID == id {
			c.alerts = append(c.alerts[:i:i], c.alerts[i+1:]...)
			return true
		}
	}
	return false
}

// handle is the feed subscriber. It runs on the loop.
func (c *Coordinator) handle(eventType string, env v1.Envelope) {
	switch eventType {
	case v1.TypeNewMeasurement:
		c.handleMeasurement(env)
	case v1.TypeAlert:
		c.handleAlert(env)
	}
}

// handleAlert shows an alert for any of the user's devices, not only the displayed one.
func (c *Coordinator) handleAlert(env v1.Envelope) {
	var a v1.Alert
	if err := env.DecodeData(&a); err != nil || a.Validate() != nil {
		c.metrics.alert("invalid")
		c.log.Debug("monitoring.alert.invalid", "err", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.alertSeq++
	id := c.alertSeq
	c.alerts = append(c.alerts, Alert{Alert: a, ID: id, ReceivedAt: c.clock.Now()})
	if len(c.alerts) > maxAlerts {
		c.removeAlertLocked(c.alerts[0].ID)
		c.metrics.alert("evicted")
	}
	c.alertTimers[id] = c.clock.AfterFunc(c.cfg.AlertTTL, func() {
		c.loop.Post(func() { c.dismissAlert(id, "expired") })
	})
	c.mu.Unlock()

	c.metrics.alert("shown")
	c.log.Warn("monitoring.alert",
		"device_id", a.DeviceID, "device_name", a.DeviceName,
		"current_kwh", a.CurrentValue, "max_kwh", a.MaxConsumption,
	)
	c.notify()
}

func (c *Coordinator) handleMeasurement(env v1.Envelope) {
	var s v1.Sample
	if err := env.DecodeData(&s); err != nil || s.Hour.IsZero() {
		c.metrics.measurement("invalid")
		c.log.Debug("monitoring.measurement.invalid", "err", err)
		return
	}
	deviceID := s.DeviceID
	if deviceID == "" {
		deviceID = env.DeviceID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if deviceID != "" && deviceID != c.key.deviceID {
		c.metrics.measurement("other_device")
		return
	}
	if s.Hour.CalendarDate() != c.key.date {
		c.metrics.measurement("other_date")
		return
	}
	c.metrics.measurement("scheduled")
	c.armDebounceLocked()
}

func (c *Coordinator) armDebounceLocked() {
	c.stopDebounceLocked()
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.cfg.Debounce, func() {
		c.loop.Post(func() { c.debounceFired(seq) })
	})
}

func (c *Coordinator) stopDebounceLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Coordinator) debounceFired(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	started := c.requestFetchLocked()
	c.mu.Unlock()

	if started {
		c.notify()
	}
}

// requestFetchLocked starts a fetch, or marks a follow-up when one is in flight.
func (c *Coordinator) requestFetchLocked() bool {
	if c.closed || c.key.deviceID == "" || c.fetcher == nil {
		return false
	}
	if c.inFlight {
		c.pending = true
		c.view.Loading = true
		c.metrics.fetch("deferred")
		return false
	}
	c.startFetchLocked()
	return true
}

func (c *Coordinator) startFetchLocked() {
	key := c.key
	c.inFlight = true
	c.pending = false
	c.fetches++
	c.view.Loading = true
	c.view.Err = ""

	c.log.Debug("monitoring.fetch.start", "device_id", key.deviceID, "date", key.date)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
		defer cancel()
		samples, err := c.fetcher.DailyConsumption(ctx, key.deviceID, key.date)
		if !c.loop.Post(func() { c.complete(key, samples, err) }) {
			c.log.Debug("monitoring.fetch.dropped", "device_id", key.deviceID, "reason", "loop stopped")
		}
	}()
}

// complete applies a fetch result. It runs on the loop.
func (c *Coordinator) complete(key viewKey, samples []v1.Sample, err error) {
	c.mu.Lock()
	c.inFlight = false
	again := c.pending
	c.pending = false

	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case key != c.key:
		c.metrics.fetch("stale")
		c.log.Info("monitoring.fetch.stale",
			"device_id", key.deviceID, "date", key.date,
			"current_device_id", c.key.deviceID, "current_date", c.key.date,
		)
	case err != nil:
		c.metrics.fetch("failed")
		c.view.Loading = false
		c.view.Err = fetchErrorMessage(err)
		c.view.Samples = nil
		c.view.Profile = Profile{}
		c.log.Info("monitoring.fetch.fail", "device_id", key.deviceID, "date", key.date, "err", err)
	default:
		c.metrics.fetch("applied")
		valid := samples[:0:0]
		for _, s := range samples {
			if s.Validate() == nil {
				valid = append(valid, s)
			}
		}
		c.view.Loading = false
		c.view.Err = ""
		c.view.Samples = valid
		c.view.Profile = HourlyProfile(valid)
		c.view.UpdatedAt = c.clock.Now()
		c.log.Debug("monitoring.fetch.applied", "device_id", key.deviceID, "date", key.date, "samples", len(valid))
	}

	if again {
		c.requestFetchLocked()
	}
	c.mu.Unlock()

	c.notify()
}

func (c *Coordinator) resetViewLocked() {
	c.view = View{DeviceID: c.key.deviceID, Date: c.key.date}
}

func (c *Coordinator) snapshotLocked() View {
	v := c.view
	v.DeviceID = c.key.deviceID
	v.Date = c.key.date
	if c.view.Samples != nil {
		v.Samples = append([]v1.Sample(nil), c.view.Samples...)
	}
	if len(c.alerts) > 0 {
		v.Alerts = append([]Alert(nil), c.alerts...)
	}
	return v
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fn := c.onChange
	v := c.snapshotLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func fetchErrorMessage(err error) string {
	var ae *restapi.APIError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return "Failed to load consumption data"
}
