package app

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"emconsole/cmd/internal/chat"
	"emconsole/cmd/internal/monitoring"
	"emconsole/cmd/internal/realtime"
	"emconsole/cmd/internal/restapi"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string
	LogFormat string

	APIBaseURL     string
	MonitoringPath string
	DevicePath     string
	AuthPath       string
	Token          string
	HTTPTimeout    time.Duration
	HTTPMaxRetries int

	MeteringURL string
	ChatURL     string

	ReconnectDelay       time.Duration
	ReconnectMaxAttempts int
	MeteringRetryMode    realtime.RetryMode
	ChatRetryMode        realtime.RetryMode

	WSDialTimeout  time.Duration
	WSWriteTimeout time.Duration
	WSSendQueue    int

	RefreshDebounce time.Duration
	EchoTolerance   time.Duration

	// MetricsAddr serves /metrics and /healthz when set.
	MetricsAddr string

	// Simulator listeners.
	SimMeteringAddr string
	SimChatAddr     string
	SimAPIAddr      string
	SimInterval     time.Duration
	SimRequireAuth  bool
	SimOrigins      []string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	// parse problems found by LoadConfig, reported by Validate
	errs []error
}

// LoadConfig loads Config from environment variables with defaults.
// Unparseable retry modes are reported by Validate.
func LoadConfig() Config {
	var errs []error
	meteringMode, err := realtime.ParseRetryMode(EnvString("EMC_METERING_RETRY_MODE", "abnormal"))
	if err != nil {
		errs = append(errs, fmt.Errorf("EMC_METERING_RETRY_MODE: %w", err))
	}
	chatMode, err := realtime.ParseRetryMode(EnvString("EMC_CHAT_RETRY_MODE", "any"))
	if err != nil {
		errs = append(errs, fmt.Errorf("EMC_CHAT_RETRY_MODE: %w", err))
	}

	def := restapi.DefaultConfig()
	return Config{
		errs: errs,

		LogLevel:  EnvString("EMC_LOG_LEVEL", "info"),
		LogFormat: EnvString("EMC_LOG_FORMAT", "json"),

		APIBaseURL:     EnvString("EMC_API_BASE_URL", def.BaseURL),
		MonitoringPath: EnvString("EMC_MONITORING_PATH", def.MonitoringPath),
		DevicePath:     EnvString("EMC_DEVICE_PATH", def.DevicePath),
		AuthPath:       EnvString("EMC_AUTH_PATH", def.AuthPath),
		Token:          EnvString("EMC_TOKEN", ""),
		HTTPTimeout:    EnvDuration("EMC_HTTP_TIMEOUT", def.Timeout),
		HTTPMaxRetries: EnvNonNegativeInt("EMC_HTTP_MAX_RETRIES", restapi.DefaultExecutorConfig().MaxRetries),

		MeteringURL: EnvString("EMC_METERING_WS_URL", "ws://localhost:8084/ws/monitoring"),
		ChatURL:     EnvString("EMC_CHAT_WS_URL", "ws://localhost:8085/ws/chat"),

		ReconnectDelay:       EnvDuration("EMC_RECONNECT_DELAY", realtime.DefaultReconnectDelay),
		ReconnectMaxAttempts: EnvNonNegativeInt("EMC_RECONNECT_MAX_ATTEMPTS", realtime.DefaultReconnectMaxAttempts),
		MeteringRetryMode:    meteringMode,
		ChatRetryMode:        chatMode,

		WSDialTimeout:  EnvDuration("EMC_WS_DIAL_TIMEOUT", 10*time.Second),
		WSWriteTimeout: EnvDuration("EMC_WS_WRITE_TIMEOUT", 5*time.Second),
		WSSendQueue:    EnvInt("EMC_WS_SEND_QUEUE", 64),

		RefreshDebounce: EnvDuration("EMC_REFRESH_DEBOUNCE", monitoring.DefaultDebounce),
		EchoTolerance:   EnvDuration("EMC_ECHO_TOLERANCE", chat.DefaultEchoTolerance),

		MetricsAddr: EnvString("EMC_METRICS_ADDR", ""),

		SimMeteringAddr: EnvString("EMC_SIM_METERING_ADDR", "127.0.0.1:8084"),
		SimChatAddr:     EnvString("EMC_SIM_CHAT_ADDR", "127.0.0.1:8085"),
		SimAPIAddr:      EnvString("EMC_SIM_API_ADDR", "127.0.0.1:8080"),
		SimInterval:     EnvDuration("EMC_SIM_INTERVAL", 10*time.Second),
		SimRequireAuth:  EnvBool("EMC_SIM_REQUIRE_AUTH", false),
		SimOrigins:      EnvCSV("EMC_SIM_ALLOWED_ORIGINS", "localhost,127.0.0.1"),

		ReadHeaderTimeout: EnvDuration("EMC_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("EMC_HTTP_IDLE_TIMEOUT", 60*time.Second),
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	errs := append([]error(nil), c.errs...)
	if err := checkURL(c.MeteringURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("EMC_METERING_WS_URL: %w", err))
	}
	if err := checkURL(c.ChatURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("EMC_CHAT_WS_URL: %w", err))
	}
	if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("EMC_API_BASE_URL: %w", err))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" || !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("want %s URL, got %q", strings.Join(schemes, " or "), raw)
	}
	return nil
}

// RESTConfig returns the REST collaborator settings.
func (c Config) RESTConfig() restapi.Config {
	exec := restapi.DefaultExecutorConfig()
	exec.MaxRetries = c.HTTPMaxRetries
	return restapi.Config{
		BaseURL:        c.APIBaseURL,
		MonitoringPath: c.MonitoringPath,
		DevicePath:     c.DevicePath,
		AuthPath:       c.AuthPath,
		Timeout:        c.HTTPTimeout,
		Executor:       exec,
		Token:          c.Token,
	}
}

// FeedConfig returns the channel client settings for endpoint with the given retry mode.
func (c Config) FeedConfig(endpoint string, mode realtime.RetryMode) realtime.Config {
	return realtime.Config{
		Endpoint: endpoint,
		Policy: realtime.ReconnectPolicy{
			Mode:        mode,
			MaxAttempts: c.ReconnectMaxAttempts,
			Delay:       c.ReconnectDelay,
		},
		DialTimeout:   c.WSDialTimeout,
		WriteTimeout:  c.WSWriteTimeout,
		SendQueueSize: c.WSSendQueue,
	}
}
