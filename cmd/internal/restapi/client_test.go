package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Token = "tok-1"
	cfg.Executor = ExecutorConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return cfg
}

func TestDailyConsumption(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api4/api/monitoring/device/dev-1/daily" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if got := r.URL.Query().Get("date"); got != "2024-05-01" {
			t.Errorf("date=%q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization=%q", got)
		}
		_, _ = w.Write([]byte(`[
			{"deviceId":"dev-1","hour":"2024-05-01T00:00:00","totalConsumption":1.5},
			{"hour":[2024,5,1,13,0,0],"totalConsumption":2.25}
		]`))
	}))
	defer srv.Close()

	m := NewMetrics(nil)
	c := NewClient(nil, testConfig(srv.URL), nil, m)
	samples, err := c.DailyConsumption(context.Background(), "dev-1", "2024-05-01")
	if err != nil {
		t.Fatalf("DailyConsumption: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("len=%d want 2", len(samples))
	}
	if samples[1].DeviceID != "dev-1" || samples[1].Hour.Hour() != 13 {
		t.Fatalf("sample=%+v", samples[1])
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("daily", "2xx")); got != 1 {
		t.Fatalf("requests=%v want 1", got)
	}

	if _, err := c.DailyConsumption(context.Background(), "dev-1", "01/05/2024"); err == nil {
		t.Fatalf("expected invalid date error")
	}
}

func TestErrorMessageMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message", 400, `{"message":"Device not found","error":"x"}`, "Device not found"},
		{"error", 401, `{"error":"Unauthorized"}`, "Unauthorized"},
		{"password", 400, `{"validationErrors":{"password":"too short"}}`, "too short"},
		{"plain", 500, `boom`, "boom"},
		{"empty", 502, ``, "Error 502"},
		{"empty-json", 418, `{}`, "Error 418"},
	}
	for _, tc := range cases {
		if got := errorMessage(tc.status, []byte(tc.body)); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"deviceId":"dev-1","totalMeasurements":12,"totalHourlyRecords":3}`))
	}))
	defer srv.Close()

	c := NewClient(nil, testConfig(srv.URL), nil, nil)
	stats, err := c.DeviceStats(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("DeviceStats: %v", err)
	}
	if stats.TotalMeasurements != 12 || hits.Load() != 3 {
		t.Fatalf("stats=%+v hits=%d", stats, hits.Load())
	}
}

func TestRetryExhaustionReturnsLastStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	c := NewClient(nil, testConfig(srv.URL), nil, nil)
	_, err := c.Devices(context.Background())

	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err=%v want APIError", err)
	}
	if ae.Status != http.StatusBadGateway || ae.Message != "upstream down" {
		t.Fatalf("api error=%+v", ae)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits=%d want 3", hits.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such device"}`))
	}))
	defer srv.Close()

	c := NewClient(nil, testConfig(srv.URL), nil, nil)
	_, err := c.DeviceStats(context.Background(), "dev-x")
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err=%v want 404", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits=%d want 1", hits.Load())
	}
}

func TestNetworkFailureIsStatusZero(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(nil, testConfig(base), nil, nil)
	_, err := c.Devices(context.Background())
	if !IsStatus(err, 0) {
		t.Fatalf("err=%v want status 0", err)
	}
}

func TestLoginStoresToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api3/auth/login":
			var body struct{ Username, Password string }
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Password != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
				return
			}
			_, _ = w.Write([]byte(`{"token":"jwt-2","userId":"3f2504e0-4f89-11d3-9a0c-0305e82c3301","role":"CLIENT"}`))
		case "/api2/device/user/3f2504e0-4f89-11d3-9a0c-0305e82c3301":
			if got := r.Header.Get("Authorization"); got != "Bearer jwt-2" {
				t.Errorf("authorization=%q", got)
			}
			_, _ = w.Write([]byte(`[{"id":"d1","name":"Fridge","maxConsumption":2.5}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(nil, testConfig(srv.URL), nil, nil)

	if _, err := c.Login(context.Background(), "ana", "wrong"); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("err=%v want 401", err)
	}

	s, err := c.Login(context.Background(), "ana", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.Token() != "jwt-2" || s.Role != "CLIENT" {
		t.Fatalf("session=%+v token=%q", s, c.Token())
	}

	devices, err := c.DevicesByUser(context.Background(), s.UserID)
	if err != nil {
		t.Fatalf("DevicesByUser: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "Fridge" || *devices[0].MaxConsumption != 2.5 {
		t.Fatalf("devices=%+v", devices)
	}

	if _, err := c.DevicesByUser(context.Background(), "not-a-uuid"); err == nil {
		t.Fatalf("expected invalid user id error")
	}
}
