package testutil

import (
	"context"
	"testing"
	"time"

	"emconsole/cmd/internal/realtime"
)

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// StartLoop runs a loop for the duration of the test.
func StartLoop(t *testing.T) *realtime.Loop {
	t.Helper()
	loop := realtime.NewLoop(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// Flush waits for the loop to drain.
func Flush(t *testing.T, loop *realtime.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Flush(ctx); err != nil {
		t.Fatalf("loop flush: %v", err)
	}
}
