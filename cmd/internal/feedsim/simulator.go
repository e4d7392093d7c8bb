package feedsim

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"emconsole/cmd/internal/restapi"
)

// Default websocket paths, matching the deployed servers.
const (
	MeteringPath = "/ws/monitoring"
	ChatPath     = "/ws/chat"
)

// Simulator bundles the metering and chat servers with the REST collaborators over
// shared stores.
type Simulator struct {
	log *slog.Logger

	Directory    *Directory
	Measurements *MeasurementStore
	Metering     *Metering
	Chat         *Chat
	REST         *REST
}

// New constructs a simulator over dir. A nil dir uses SeedDirectory.
func New(log *slog.Logger, dir *Directory, m *Metrics) *Simulator {
	if log == nil {
		log = slog.Default()
	}
	if dir == nil {
		dir = SeedDirectory()
	}
	store := NewMeasurementStore()
	return &Simulator{
		log:          log,
		Directory:    dir,
		Measurements: store,
		Metering:     NewMetering(log, store, m),
		Chat:         NewChat(log, NewSessionStore(), DefaultRules(), m),
		REST:         NewREST(log, store, dir),
	}
}

// Handler serves both websocket endpoints and the REST API on one mux.
func (s *Simulator) Handler(gw GatewayConfig, paths restapi.Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MeteringPath, s.Metering.Handler(gw))
	mux.Handle(ChatPath, s.Chat.Handler(gw))
	mux.Handle("/", s.REST.Handler(paths))
	return mux
}

// Record stores a reading for dev and pushes the updated sample. The reading that
// takes the device's hour over its maximum consumption also pushes an alert.
func (s *Simulator) Record(dev restapi.Device, at time.Time, kwh float64) (int, error) {
	sample, err := s.Measurements.Record(dev.ID, at, kwh)
	if err != nil {
		return 0, err
	}
	n := s.Metering.Publish(sample)
	if a, ok := overconsumption(dev, sample, kwh); ok {
		s.Metering.PublishAlert(a)
	}
	return n, nil
}

// Generate records a random reading for every directory device each interval until
// ctx ends. Readings are between 0 and twice the device's max consumption split over
// the readings of one hour, so roughly half the device-hours overconsume.
func (s *Simulator) Generate(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	perHour := float64(time.Hour / every)
	if perHour < 1 {
		perHour = 1
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			for _, dev := range s.Directory.Devices() {
				limit := 1.0
				if dev.MaxConsumption != nil && *dev.MaxConsumption > 0 {
					limit = *dev.MaxConsumption
				}
				kwh := 2 * rand.Float64() * limit / perHour
				n, err := s.Record(dev, now, kwh)
				if err != nil {
					s.log.Warn("sim.generate.fail", "device_id", dev.ID, "err", err)
					continue
				}
				s.log.Debug("sim.generate", "device_id", dev.ID, "kwh", kwh, "sessions", n)
			}
		}
	}
}
