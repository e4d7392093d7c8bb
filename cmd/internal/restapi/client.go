// Package restapi is the console's client for the backend REST collaborators:
// daily consumption and stats (monitoring), device listings and login.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"emconsole/cmd/internal/ids"
	v1 "emconsole/shared/contracts/feed/v1"

	"github.com/failsafe-go/failsafe-go"
)

const maxBodyBytes = 4 << 20

// Config locates the collaborators. Paths are appended to BaseURL.
type Config struct {
	BaseURL        string
	MonitoringPath string
	DevicePath     string
	AuthPath       string

	Timeout  time.Duration
	Executor ExecutorConfig

	// Token is the bearer token sent with every call. Login replaces it.
	Token string
}

// DefaultConfig returns the paths the console is deployed with.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost",
		MonitoringPath: "/api4/api/monitoring",
		DevicePath:     "/api2/device",
		AuthPath:       "/api3/auth",
		Timeout:        10 * time.Second,
		Executor:       DefaultExecutorConfig(),
	}
}

// Client calls the REST collaborators through a retry + breaker executor.
type Client struct {
	log     *slog.Logger
	cfg     Config
	http    *http.Client
	exec    failsafe.Executor[*response]
	metrics *Metrics

	mu    sync.RWMutex
	token string
}

// NewClient constructs a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(log *slog.Logger, cfg Config, httpClient *http.Client, m *Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MonitoringPath == "" {
		cfg.MonitoringPath = def.MonitoringPath
	}
	if cfg.DevicePath == "" {
		cfg.DevicePath = def.DevicePath
	}
	if cfg.AuthPath == "" {
		cfg.AuthPath = def.AuthPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		log:     log,
		cfg:     cfg,
		http:    httpClient,
		exec:    newExecutor(log, "restapi", cfg.Executor),
		metrics: m,
		token:   cfg.Token,
	}
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// DailyConsumption returns the hourly samples of deviceID for date (YYYY-MM-DD).
func (c *Client) DailyConsumption(ctx context.Context, deviceID, date string) ([]v1.Sample, error) {
	if _, err := time.Parse(v1.DateLayout, date); err != nil {
		return nil, fmt.Errorf("restapi: invalid date %q: %w", date, err)
	}
	q := url.Values{"date": {date}}
	endpoint := c.url(c.cfg.MonitoringPath, "device", deviceID, "daily") + "?" + q.Encode()

	var samples []v1.Sample
	if err := c.getJSON(ctx, "daily", endpoint, &samples); err != nil {
		return nil, err
	}
	for i := range samples {
		if samples[i].DeviceID == "" {
			samples[i].DeviceID = deviceID
		}
	}
	return samples, nil
}

// DeviceStats returns the measurement counters of deviceID.
func (c *Client) DeviceStats(ctx context.Context, deviceID string) (DeviceStats, error) {
	var stats DeviceStats
	err := c.getJSON(ctx, "stats", c.url(c.cfg.MonitoringPath, "device", deviceID, "stats"), &stats)
	return stats, err
}

// Devices lists every device (admin view).
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.getJSON(ctx, "devices", c.url(c.cfg.DevicePath), &out)
	return out, err
}

// DevicesByUser lists the devices assigned to userID (client view).
func (c *Client) DevicesByUser(ctx context.Context, userID string) ([]Device, error) {
	if _, err := ids.NormalizeUUID(userID); err != nil {
		return nil, fmt.Errorf("restapi: %w", err)
	}
	var out []Device
	err := c.getJSON(ctx, "devices_by_user", c.url(c.cfg.DevicePath, "user", userID), &out)
	return out, err
}

// Login exchanges credentials for a session and stores its token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	body, err := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{username, password})
	if err != nil {
		return Session{}, err
	}

	resp, err := c.call(ctx, "login", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.cfg.AuthPath, "login"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Session{}, err
	}

	var s Session
	if err := json.Unmarshal(resp.body, &s); err != nil {
		return Session{}, &APIError{Status: resp.status, Message: "invalid login response", Err: err}
	}
	if s.Token == "" {
		return Session{}, &APIError{Status: resp.status, Message: "login response without token"}
	}
	c.SetToken(s.Token)
	c.log.Info("restapi.login", "user_id", s.UserID, "role", s.Role)
	return s, nil
}

func (c *Client) url(base string, segments ...string) string {
	var b strings.Builder
	b.WriteString(c.cfg.BaseURL)
	b.WriteString(base)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, dst any) error {
	resp, err := c.call(ctx, op, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, dst); err != nil {
		return &APIError{Status: resp.status, Message: "invalid response body", Err: err}
	}
	return nil
}

// call runs one request with auth headers and maps the outcome to an APIError.
func (c *Client) call(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) (*response, error) {
	start := time.Now()
	token := c.Token()

	resp, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	})

	status := 0
	if resp != nil {
		status = resp.status
	}
	c.metrics.observe(op, status, time.Since(start))

	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) {
			return nil, ae
		}
		c.log.Info("restapi.call.fail", "op", op, "err", err)
		return nil, &APIError{Status: 0, Message: err.Error(), Err: err}
	}
	if resp.status < 200 || resp.status > 299 {
		msg := errorMessage(resp.status, resp.body)
		c.log.Info("restapi.call.status", "op", op, "status", resp.status, "message", msg)
		return nil, &APIError{Status: resp.status, Message: msg}
	}
	return resp, nil
}

// Device is one metered device.
type Device struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	MaxConsumption *float64 `json:"maxConsumption,omitempty"`
}

// DeviceStats are the counters returned by the stats endpoint.
type DeviceStats struct {
	DeviceID           string `json:"deviceId"`
	TotalMeasurements  int64  `json:"totalMeasurements"`
	TotalHourlyRecords int64  `json:"totalHourlyRecords"`
}

// Session is the login result.
type Session struct {
	Token  string  `json:"token"`
	UserID string  `json:"userId"`
	Role   v1.Role `json:"role"`
}

func statusClass(status int) string {
	if status == 0 {
		return "network"
	}
	return strconv.Itoa(status/100) + "xx"
}
