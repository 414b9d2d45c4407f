// Package core hosts the process-wide hubs: the coordination dispatcher,
// the call hub, the account hub and the error-reporting channel.
//
// Workers never mutate hub state directly. They run the blocking protocol
// operation and post a closure to the dispatcher, which is the single
// writer of call and account state and the only emitter of hub events.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher is the single coordination context. Everything posted to it
// runs serially on one goroutine; timers rearm by posting again.
type Dispatcher struct {
	tasks chan func()

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with the given task buffer.
func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run starts the coordination loop goroutine. The loop exits when the
// context is cancelled or Stop is called. Calling Run again is a no-op.
func (d *Dispatcher) Run(ctx context.Context) {
	d.startOnce.Do(func() {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.done:
					return
				case task := <-d.tasks:
					task()
				}
			}
		}()
	})
}

// Post queues a task for the coordination context. Posting after Stop is
// a silent no-op.
func (d *Dispatcher) Post(task func()) {
	select {
	case <-d.done:
	case d.tasks <- task:
	}
}

// PostDelayed runs the task on the coordination context after the delay.
// The returned timer can be stopped to disarm it.
func (d *Dispatcher) PostDelayed(delay time.Duration, task func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		d.Post(task)
	})
}

// Stop halts the loop. Pending tasks are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}

// Drain waits until the task queue is empty or the context expires.
// Intended for tests and shutdown.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(d.tasks) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			slog.Warn("[Dispatcher] Drain timed out", "pending", len(d.tasks))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
