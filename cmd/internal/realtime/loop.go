package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock is the time source of clients and coordinators.
// Tests inject a manual clock; production uses SystemClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Loop executes posted tasks one at a time, each to completion.
//
// Connection notifications, timer callbacks and fetch completions are all posted here,
// so coordinator state is only ever mutated by one task at a time.
type Loop struct {
	log *slog.Logger

	tasks chan func()
	done  chan struct{}

	stopOnce sync.Once
}

// NewLoop constructs a Loop with a bounded task queue.
func NewLoop(log *slog.Logger, queueSize int) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultLoopQueueSize
	}
	return &Loop{
		log:   log,
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Run drains the queue until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.tasks:
			l.runTask(fn)
		}
	}
}

// Post enqueues fn. It blocks while the queue is full and reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case <-l.done:
		return false
	case l.tasks <- fn:
		return true
	}
}

// Flush waits until every task posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !l.Post(func() { close(barrier) }) {
		return ErrLoopStopped
	}
	select {
	case <-barrier:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends Run (idempotent). Queued tasks are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed once the loop is stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop.task.panic", "panic", r)
		}
	}()
	fn()
}
