package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/callhub/internal/events"
)

// ErrorReporter is the single channel for user-visible failures not tied
// to one call or account. Delivery is retried for a while so observers
// that register late still see the report.
type ErrorReporter struct {
	hub *events.Bus

	mu        sync.Mutex
	observers []func(source, message string) bool
	retryWait time.Duration
}

// NewErrorReporter creates a reporter that also mirrors every report on
// the hub bus.
func NewErrorReporter(hub *events.Bus) *ErrorReporter {
	return &ErrorReporter{
		hub:       hub,
		retryWait: 250 * time.Millisecond,
	}
}

// AddObserver registers a delivery target. An observer returns true when
// it accepted (displayed) the report.
func (r *ErrorReporter) AddObserver(fn func(source, message string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// maxDeliveryAttempts bounds the background retry loop. An observer
// registering late still gets the report; a deployment with no observer
// at all does not leak a goroutine per report.
const maxDeliveryAttempts = 40

// Report publishes the failure and retries delivery in the background
// until an observer accepts it or the attempts run out.
func (r *ErrorReporter) Report(source, message string) {
	slog.Warn("[Errors] "+message, "source", source)
	r.hub.Publish(&events.ErrorEvent{
		BaseEvent: events.NewBase(),
		Source:    source,
		Message:   message,
	})

	go func() {
		for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
			if r.deliver(source, message) {
				return
			}
			time.Sleep(r.retryWait)
		}
	}()
}

func (r *ErrorReporter) deliver(source, message string) bool {
	r.mu.Lock()
	observers := make([]func(string, string) bool, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		if fn(source, message) {
			return true
		}
	}
	return false
}
