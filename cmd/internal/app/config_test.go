package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"emconsole/cmd/internal/realtime"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"EMC_METERING_WS_URL", "EMC_RECONNECT_DELAY", "EMC_RECONNECT_MAX_ATTEMPTS", "EMC_METERING_RETRY_MODE", "EMC_CHAT_RETRY_MODE", "EMC_REFRESH_DEBOUNCE", "EMC_ECHO_TOLERANCE", "EMC_MONITORING_PATH"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate()=%v", err)
	}
	if cfg.MeteringURL != "ws://localhost:8084/ws/monitoring" {
		t.Fatalf("MeteringURL=%q", cfg.MeteringURL)
	}
	if cfg.ReconnectDelay != 3*time.Second || cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("reconnect=%s/%d want=3s/5", cfg.ReconnectDelay, cfg.ReconnectMaxAttempts)
	}
	if cfg.MeteringRetryMode != realtime.RetryOnAbnormalClose || cfg.ChatRetryMode != realtime.RetryOnAnyClose {
		t.Fatalf("modes=%v/%v", cfg.MeteringRetryMode, cfg.ChatRetryMode)
	}
	if cfg.RefreshDebounce != 500*time.Millisecond || cfg.EchoTolerance != 2*time.Second {
		t.Fatalf("debounce=%s tolerance=%s", cfg.RefreshDebounce, cfg.EchoTolerance)
	}
	if cfg.MonitoringPath != "/api4/api/monitoring" {
		t.Fatalf("MonitoringPath=%q", cfg.MonitoringPath)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("EMC_CHAT_WS_URL", "wss://chat.example.com/ws/chat")
	t.Setenv("EMC_RECONNECT_MAX_ATTEMPTS", "0")
	t.Setenv("EMC_RECONNECT_DELAY", "250ms")
	t.Setenv("EMC_CHAT_RETRY_MODE", "abnormal")
	t.Setenv("EMC_WS_SEND_QUEUE", "-3")
	t.Setenv("EMC_TOKEN", "tok")
	t.Setenv("EMC_API_BASE_URL", "")
	t.Setenv("EMC_SIM_ALLOWED_ORIGINS", " a.example.com, ,b.example.com ")

	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate()=%v", err)
	}

	fc := cfg.FeedConfig(cfg.ChatURL, cfg.ChatRetryMode)
	if fc.Endpoint != "wss://chat.example.com/ws/chat" {
		t.Fatalf("Endpoint=%q", fc.Endpoint)
	}
	if fc.Policy.MaxAttempts != 0 || fc.Policy.Delay != 250*time.Millisecond || fc.Policy.Mode != realtime.RetryOnAbnormalClose {
		t.Fatalf("Policy=%+v", fc.Policy)
	}
	if fc.SendQueueSize != 64 {
		t.Fatalf("SendQueueSize=%d want default 64", fc.SendQueueSize)
	}
	if rc := cfg.RESTConfig(); rc.Token != "tok" || rc.BaseURL != "http://localhost" {
		t.Fatalf("RESTConfig=%+v", rc)
	}
	if got := strings.Join(cfg.SimOrigins, "|"); got != "a.example.com|b.example.com" {
		t.Fatalf("SimOrigins=%q", got)
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	t.Setenv("EMC_METERING_RETRY_MODE", "sometimes")
	t.Setenv("EMC_METERING_WS_URL", "http://localhost:8084/ws/monitoring")
	t.Setenv("EMC_API_BASE_URL", "localhost")

	err := LoadConfig().Validate()
	if err == nil {
		t.Fatalf("Validate() accepted a broken config")
	}
	for _, key := range []string{"EMC_METERING_RETRY_MODE", "EMC_METERING_WS_URL", "EMC_API_BASE_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
	if strings.Contains(err.Error(), "EMC_CHAT_WS_URL") {
		t.Fatalf("error %q names a valid key", err)
	}
}

func TestLoadEnvFiles_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, ".env")
	local := filepath.Join(dir, ".env.local")
	if err := os.WriteFile(base, []byte("EMC_LOG_LEVEL=debug\nEMC_TOKEN=base\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local, []byte("EMC_TOKEN=local\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMC_LOG_LEVEL", "")
	t.Setenv("EMC_TOKEN", "")

	loaded := LoadEnvFiles(discardLogger(), base, filepath.Join(dir, "missing.env"), local)
	if len(loaded) != 2 {
		t.Fatalf("loaded=%v want 2 files", loaded)
	}
	if got := os.Getenv("EMC_TOKEN"); got != "local" {
		t.Fatalf("EMC_TOKEN=%q want=local", got)
	}
	if got := os.Getenv("EMC_LOG_LEVEL"); got != "debug" {
		t.Fatalf("EMC_LOG_LEVEL=%q want=debug", got)
	}
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("EMC_TEST_BOOL", "maybe")
	t.Setenv("EMC_TEST_DUR", "soon")
	t.Setenv("EMC_TEST_INT", "0")

	if EnvBool("EMC_TEST_BOOL", true) != true {
		t.Fatalf("EnvBool did not fall back")
	}
	if EnvDuration("EMC_TEST_DUR", time.Second) != time.Second {
		t.Fatalf("EnvDuration did not fall back")
	}
	if EnvInt("EMC_TEST_INT", 9) != 9 {
		t.Fatalf("EnvInt accepted zero")
	}
	if EnvNonNegativeInt("EMC_TEST_INT", 9) != 0 {
		t.Fatalf("EnvNonNegativeInt rejected zero")
	}
}
