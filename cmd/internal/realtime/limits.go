package realtime

import "time"

// Feed defaults. They mirror the values the console has always used.
const (
	// Reconnect cadence: fixed delay, bounded attempts.
	DefaultReconnectDelay       = 3 * time.Second
	DefaultReconnectMaxAttempts = 5

	// Max bytes per websocket frame read (hard limit).
	defaultReadLimit = 1 << 20 // 1 MiB

	defaultDialTimeout   = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultSendQueueSize = 64
	minSendQueueSize     = 8

	defaultLoopQueueSize = 1024
)
