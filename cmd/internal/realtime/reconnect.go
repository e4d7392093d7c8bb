package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// RetryMode selects which close codes may trigger a reconnect.
//
// The two feeds differ here on purpose: metering only retries abnormal closures,
// chat retries every closure. Each feed states its mode explicitly.
type RetryMode int

const (
	// RetryOnAbnormalClose retries any close code except 1000.
	RetryOnAbnormalClose RetryMode = iota
	// RetryOnAnyClose retries every close, including a clean 1000.
	RetryOnAnyClose
)

func (m RetryMode) String() string {
	switch m {
	case RetryOnAnyClose:
		return "any"
	case RetryOnAbnormalClose:
		return "abnormal"
	default:
		return "unknown"
	}
}

// ParseRetryMode accepts "any" or "abnormal".
func ParseRetryMode(s string) (RetryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any", "always":
		return RetryOnAnyClose, nil
	case "abnormal", "":
		return RetryOnAbnormalClose, nil
	default:
		return RetryOnAbnormalClose, fmt.Errorf("unknown retry mode: %q", s)
	}
}

// Allows reports whether a close with code may be retried under this mode.
func (m RetryMode) Allows(code websocket.StatusCode) bool {
	if m == RetryOnAnyClose {
		return true
	}
	return code != websocket.StatusNormalClosure
}

// ReconnectPolicy is the per-feed retry configuration.
type ReconnectPolicy struct {
	Mode        RetryMode
	MaxAttempts int
	Delay       time.Duration
}

// DefaultReconnectPolicy returns the fixed-delay, five-attempt policy for mode.
func DefaultReconnectPolicy(mode RetryMode) ReconnectPolicy {
	return ReconnectPolicy{
		Mode:        mode,
		MaxAttempts: DefaultReconnectMaxAttempts,
		Delay:       DefaultReconnectDelay,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.Delay <= 0 {
		p.Delay = DefaultReconnectDelay
	}
	return p
}

// Decision is the outcome of one CLOSED transition.
type Decision struct {
	// Retry is set when a reconnect must be scheduled after Delay.
	Retry   bool
	Attempt int
	Delay   time.Duration

	// Exhausted is set when the policy allowed a retry but the attempt budget is spent.
	Exhausted bool
}

// ReconnectState counts consecutive reconnect attempts of one client.
//
// The counter goes back to zero only on a successful OPEN or on a manual connect after exhaustion.
type ReconnectState struct {
	policy    ReconnectPolicy
	attempts  int
	exhausted bool
}

// NewReconnectState constructs a zeroed state for policy.
func NewReconnectState(policy ReconnectPolicy) *ReconnectState {
	return &ReconnectState{policy: policy.normalized()}
}

// OnClosed decides what happens after a connection closed with code.
func (s *ReconnectState) OnClosed(code websocket.StatusCode) Decision {
	if !s.policy.Mode.Allows(code) {
		return Decision{Attempt: s.attempts}
	}
	if s.attempts >= s.policy.MaxAttempts {
		s.exhausted = true
		return Decision{Attempt: s.attempts, Exhausted: true}
	}
	s.attempts++
	return Decision{Retry: true, Attempt: s.attempts, Delay: s.policy.Delay}
}

// Reset zeroes the attempt counter.
func (s *ReconnectState) Reset() {
	s.attempts = 0
	s.exhausted = false
}

// Attempts returns the number of reconnects scheduled since the last reset.
func (s *ReconnectState) Attempts() int { return s.attempts }

// Exhausted reports whether the attempt budget ran out.
func (s *ReconnectState) Exhausted() bool { return s.exhausted }

// Policy returns the normalized policy.
func (s *ReconnectState) Policy() ReconnectPolicy { return s.policy }
