// Package app wires the emconsole runtime: config, logging, metrics, the REST client
// and the realtime feeds, plus the runners behind each CLI command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"emconsole/cmd/internal/chat"
	"emconsole/cmd/internal/monitoring"
	"emconsole/cmd/internal/realtime"
	"emconsole/cmd/internal/restapi"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	loopQueueSize   = 256
	shutdownTimeout = 5 * time.Second
)

// App is the console runtime. It owns the event loop, the metrics registry and the
// REST client; feeds are built per command on top of them.
type App struct {
	cfg Config
	log Logger

	reg   *prometheus.Registry
	loop  *realtime.Loop
	clock realtime.Clock

	feedMetrics    *realtime.Metrics
	monitorMetrics *monitoring.Metrics
	chatMetrics    *chat.Metrics

	api *restapi.Client
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &App{
		cfg:            cfg,
		log:            log,
		reg:            reg,
		loop:           realtime.NewLoop(log, loopQueueSize),
		clock:          realtime.SystemClock(),
		feedMetrics:    realtime.NewMetrics(reg),
		monitorMetrics: monitoring.NewMetrics(reg),
		chatMetrics:    chat.NewMetrics(reg),
		api:            restapi.NewClient(log, cfg.RESTConfig(), nil, restapi.NewMetrics(reg)),
	}, nil
}

// Config returns the runtime configuration.
func (a *App) Config() Config { return a.cfg }

// API returns the REST collaborator client.
func (a *App) API() *restapi.Client { return a.api }

// Registry returns the metrics registry served on /metrics.
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Run starts the event loop and, when configured, the metrics server, then runs work.
// It returns when work returns or ctx is cancelled; the first error wins.
func (a *App) Run(ctx context.Context, work func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		registerHTTP(mux, a.log, a.reg, a.ready)
		srv := a.newServer(a.cfg.MetricsAddr, WithRequestLogging(mux, a.log))
		g.Go(func() error { return a.serve(gctx, "metrics", srv) })
	}

	g.Go(func() error {
		// Work ending on its own releases the loop and the servers.
		defer cancel()
		err := work(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	a.loop.Stop()
	a.log.Info("app.stopped", "err", err)
	return err
}

func (a *App) ready() error {
	select {
	case <-a.loop.Done():
		return realtime.ErrLoopStopped
	default:
		return nil
	}
}

func (a *App) newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    1 << 20,
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func (a *App) serve(ctx context.Context, name string, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%s listen: %w", name, err)
	}
	a.log.Info("server.start", "server", name, "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			a.log.Error("server.fail", "server", name, "err", err)
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "server", name, "err", err)
		return err
	}
	a.log.Info("server.stopped", "server", name)
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
