package restapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// response is a fully read HTTP response. Bodies are drained inside the executed
// function so retried attempts never leak connections.
type response struct {
	status int
	header http.Header
	body   []byte
}

// ExecutorConfig configures retries and the breaker of a Client.
type ExecutorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Breaker enables a circuit breaker in front of the retry policy.
	Breaker        bool
	BreakerDelay   time.Duration
	BreakerMinRuns uint
}

// DefaultExecutorConfig returns the defaults used by the console.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:     2,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Breaker:        true,
		BreakerDelay:   15 * time.Second,
		BreakerMinRuns: 10,
	}
}

func normalizeExecutorConfig(cfg ExecutorConfig) ExecutorConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 15 * time.Second
	}
	if cfg.BreakerMinRuns == 0 {
		cfg.BreakerMinRuns = 10
	}
	return cfg
}

// shouldRetry retries network errors, 5xx and 429. Client errors are final.
func shouldRetry(resp *response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	switch resp.status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func newExecutor(log *slog.Logger, name string, cfg ExecutorConfig) failsafe.Executor[*response] {
	cfg = normalizeExecutorConfig(cfg)

	retry := retrypolicy.NewBuilder[*response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		ReturnLastFailure().
		Build()

	if !cfg.Breaker {
		return failsafe.With[*response](retry)
	}

	breaker := circuitbreaker.NewBuilder[*response]().
		WithFailureThresholdRatio(cfg.BreakerMinRuns/2, cfg.BreakerMinRuns).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.status >= 500
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("restapi.breaker.state", "client", name, "from", breakerState(e.OldState), "to", breakerState(e.NewState))
		}).
		Build()

	return failsafe.With[*response](retry, breaker)
}

func breakerState(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

func (c *Client) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*response, error) {
	resp, err := c.exec.WithContext(ctx).Get(func() (*response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return &response{status: r.StatusCode, header: r.Header, body: body}, nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &APIError{Status: 0, Message: "service unavailable", Err: ErrCircuitOpen}
	}
	return resp, err
}
