// Package monitoring consumes the metering feed: it keeps one device subscription
// alive and turns bursts of measurements into debounced re-fetches of the day view.
package monitoring

import (
	"log/slog"
	"sync"

	"emconsole/cmd/internal/realtime"
	v1 "emconsole/shared/contracts/feed/v1"
)

// FeedName labels the metering client in logs and metrics.
const FeedName = "metering"

// Feed is the metering channel client scoped to one device at a time.
type Feed struct {
	log    *slog.Logger
	client *realtime.Client

	mu       sync.Mutex
	deviceID string
}

// NewFeed constructs the metering feed. cfg.Feed and cfg.OnOpen are set by the feed.
func NewFeed(log *slog.Logger, loop *realtime.Loop, clock realtime.Clock, m *realtime.Metrics, cfg realtime.Config) *Feed {
	if log == nil {
		log = slog.Default()
	}
	f := &Feed{log: log}
	cfg.Feed = FeedName
	cfg.OnOpen = f.handshake
	f.client = realtime.NewClient(log, loop, clock, m, cfg)
	return f
}

// Client exposes the underlying channel client.
func (f *Feed) Client() *realtime.Client { return f.client }

// DeviceID returns the device the feed is scoped to.
func (f *Feed) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

// Connect scopes the feed to deviceID. An open connection is re-subscribed in place;
// otherwise a connection is opened and subscribes once it is OPEN.
func (f *Feed) Connect(deviceID string) {
	f.mu.Lock()
	prev := f.deviceID
	f.deviceID = deviceID
	f.mu.Unlock()

	if f.client.IsConnected() {
		if prev != deviceID {
			f.log.Info("metering.resubscribe", "device_id", deviceID, "previous_device_id", prev)
			f.client.Send(v1.Subscribe(deviceID))
		}
		return
	}
	f.client.Connect()
}

// Disconnect closes the connection and clears every subscriber.
func (f *Feed) Disconnect() {
	f.client.Disconnect()
}

// Subscribe registers fn under id.
func (f *Feed) Subscribe(id string, fn realtime.Handler) *realtime.Subscription {
	return f.client.Subscribe(id, fn)
}

// Close releases the client for good.
func (f *Feed) Close() { f.client.Close() }

func (f *Feed) handshake(c *realtime.Client) {
	deviceID := f.DeviceID()
	if deviceID == "" {
		return
	}
	f.log.Info("metering.subscribe", "device_id", deviceID)
	c.Send(v1.Subscribe(deviceID))
}
