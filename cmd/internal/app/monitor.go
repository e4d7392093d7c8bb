package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"emconsole/cmd/internal/monitoring"
	"emconsole/cmd/internal/restapi"
	v1 "emconsole/shared/contracts/feed/v1"
)

// ErrNoDevices is returned when no device can be monitored.
var ErrNoDevices = errors.New("no devices available")

// Credentials optionally log the console in before it starts.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) set() bool { return c.Username != "" }

// MonitorOptions configure the monitor command.
type MonitorOptions struct {
	Credentials

	// DeviceID defaults to the first device of the logged-in user.
	DeviceID string
	// Date is YYYY-MM-DD; empty means today.
	Date string
	Out  io.Writer
}

// Monitor follows one device's daily consumption until ctx is done.
func (a *App) Monitor(ctx context.Context, opts MonitorOptions) error {
	var session restapi.Session
	if opts.Credentials.set() {
		s, err := a.api.Login(ctx, opts.Username, opts.Password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		session = s
		a.log.Info("monitor.login", "user_id", s.UserID, "role", s.Role)
	}

	deviceID := opts.DeviceID
	if deviceID == "" {
		dev, err := a.firstDevice(ctx, session)
		if err != nil {
			return err
		}
		deviceID = dev.ID
		a.log.Info("monitor.device.default", "device_id", dev.ID, "name", dev.Name)
	}

	feed := monitoring.NewFeed(a.log, a.loop, a.clock, a.feedMetrics, a.cfg.FeedConfig(a.cfg.MeteringURL, a.cfg.MeteringRetryMode))
	defer feed.Close()

	coord := monitoring.NewCoordinator(a.log, a.loop, a.clock, feed, a.api, a.monitorMetrics, monitoring.Config{
		Debounce: a.cfg.RefreshDebounce,
	})
	defer coord.Close()

	out := newConsole(opts.Out)
	coord.OnChange(out.view)
	if opts.Date != "" {
		if err := coord.SelectDate(opts.Date); err != nil {
			return err
		}
	}
	coord.SelectDevice(deviceID)

	<-ctx.Done()
	return nil
}

// firstDevice picks the first device visible to the session: a client sees its own
// devices, everyone else the full listing.
func (a *App) firstDevice(ctx context.Context, s restapi.Session) (restapi.Device, error) {
	var (
		devices []restapi.Device
		err     error
	)
	if s.Role == v1.RoleClient && s.UserID != "" {
		devices, err = a.api.DevicesByUser(ctx, s.UserID)
	} else {
		devices, err = a.api.Devices(ctx)
	}
	if err != nil {
		return restapi.Device{}, fmt.Errorf("list devices: %w", err)
	}
	if len(devices) == 0 {
		return restapi.Device{}, ErrNoDevices
	}
	return devices[0], nil
}
