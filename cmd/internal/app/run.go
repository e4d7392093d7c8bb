package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Setup loads env files and config and builds the App with its logger.
func Setup(envFiles ...string) (*App, error) {
	LoadEnvFiles(nil, envFiles...)
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	return New(cfg, log)
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
