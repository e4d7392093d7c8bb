package app

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterHTTP(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "emconsole_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	var notReady error
	mux := http.NewServeMux()
	registerHTTP(mux, discardLogger(), reg, func() error { return notReady })

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/healthz"); rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz=%d %q", rr.Code, rr.Body.String())
	}
	if rr := get("/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz=%d want=200", rr.Code)
	}

	notReady = errors.New("loop stopped")
	if rr := get("/readyz"); rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "loop stopped") {
		t.Fatalf("readyz=%d %q", rr.Code, rr.Body.String())
	}

	rr := get("/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "emconsole_test_total 1") {
		t.Fatalf("metrics=%d %q", rr.Code, rr.Body.String())
	}
}
