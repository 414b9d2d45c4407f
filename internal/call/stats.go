package call

import (
	"sync"
	"time"

	"github.com/sebas/callhub/internal/events"
)

// MinSampleInterval is the shortest time between two counter samples.
const MinSampleInterval = 500 * time.Millisecond

// Metrics is one computed set of quality figures.
type Metrics struct {
	RxBandwidthKBps float64
	TxBandwidthKBps float64
	JitterBufferMS  float64
	LostRatio       float64
	LateRatio       float64
	OutOfOrderRatio float64
	SampledAt       time.Time
}

// StatsAggregator periodically converts the call's raw transport counters
// into bandwidth, jitter and loss figures. It is started when the call
// reaches Established and stopped on the terminal transition.
type StatsAggregator struct {
	call *Call

	mu         sync.Mutex
	lastSample time.Time
	lastTotals StreamCounters
	latest     Metrics
	stopCh     chan struct{}
	running    bool
}

// NewStatsAggregator creates an aggregator bound to its call.
func NewStatsAggregator(c *Call) *StatsAggregator {
	return &StatsAggregator{call: c}
}

// Start launches the periodic sampling loop. Idempotent.
func (a *StatsAggregator) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	stop := a.stopCh
	a.mu.Unlock()

	go a.loop(stop)
}

// Stop halts the sampling loop. Idempotent.
func (a *StatsAggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()
}

func (a *StatsAggregator) loop(stop chan struct{}) {
	ticker := time.NewTicker(MinSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if m, ok := a.Sample(now); ok {
				a.call.bus.Publish(&events.CallStatsEvent{
					BaseEvent:       events.NewBase(),
					CallID:          a.call.ID(),
					RxBandwidthKBps: m.RxBandwidthKBps,
					TxBandwidthKBps: m.TxBandwidthKBps,
					JitterBufferMS:  m.JitterBufferMS,
					LostRatio:       m.LostRatio,
					LateRatio:       m.LateRatio,
					OutOfOrderRatio: m.OutOfOrderRatio,
				})
			}
		}
	}
}

// Sample computes metrics from the counters accumulated since the last
// sample. Calls closer together than MinSampleInterval are skipped.
func (a *StatsAggregator) Sample(now time.Time) (Metrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastSample.IsZero() {
		// First tick only records the baseline.
		a.lastSample = now
		a.lastTotals = a.call.counters.Totals()
		return Metrics{}, false
	}
	if now.Sub(a.lastSample) < MinSampleInterval {
		return Metrics{}, false
	}

	totals := a.call.counters.Totals()
	elapsed := now.Sub(a.lastSample).Seconds()

	rx := deltaKBps(totals.BytesReceived, a.lastTotals.BytesReceived, elapsed)
	tx := deltaKBps(totals.BytesSent, a.lastTotals.BytesSent, elapsed)

	m := Metrics{
		RxBandwidthKBps: rx,
		TxBandwidthKBps: tx,
		JitterBufferMS:  totals.JitterMS,
		LostRatio:       a.call.counters.LostRatio(),
		LateRatio:       a.call.counters.LateRatio(),
		OutOfOrderRatio: a.call.counters.OutOfOrderRatio(),
		SampledAt:       now,
	}

	a.lastSample = now
	a.lastTotals = totals
	a.latest = m
	return m, true
}

// deltaKBps converts a byte-counter delta into kilobytes per second,
// treating counter resets as zero traffic.
func deltaKBps(now, prev uint64, elapsed float64) float64 {
	if now <= prev || elapsed <= 0 {
		return 0
	}
	return float64(now-prev) / elapsed / 1000
}

// Latest returns the most recently computed metrics.
func (a *StatsAggregator) Latest() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}
