package app

import (
	"context"
	"slices"

	"emconsole/cmd/internal/feedsim"

	"golang.org/x/sync/errgroup"
)

// Simulate serves the metering, chat and REST simulator until ctx is done. Every
// listener serves the full route table; identical addresses are bound once.
func (a *App) Simulate(ctx context.Context) error {
	sim := feedsim.New(a.log, nil, feedsim.NewMetrics(a.reg))
	sim.REST.RequireAuth = a.cfg.SimRequireAuth

	gw := feedsim.GatewayConfig{OriginPatterns: a.cfg.SimOrigins}
	handler := WithRequestLogging(sim.Handler(gw, a.cfg.RESTConfig()), a.log)

	for _, u := range sim.Directory.Users() {
		a.log.Info("sim.user", "user_id", u.ID, "username", u.Username, "role", u.Role)
	}
	for _, d := range sim.Directory.Devices() {
		a.log.Info("sim.device", "device_id", d.ID, "name", d.Name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range simAddrs(a.cfg) {
		srv := a.newServer(addr, handler)
		g.Go(func() error { return a.serve(gctx, "sim "+addr, srv) })
	}
	g.Go(func() error { return sim.Generate(gctx, a.cfg.SimInterval) })
	return g.Wait()
}

func simAddrs(cfg Config) []string {
	var out []string
	for _, addr := range []string{cfg.SimMeteringAddr, cfg.SimChatAddr, cfg.SimAPIAddr} {
		if addr != "" && !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

