package call

import (
	"testing"

	"github.com/sebas/callhub/internal/engine"
)

func TestLossRatiosZeroPackets(t *testing.T) {
	c := NewCounters()

	if got := c.LostRatio(); got != 0 {
		t.Errorf("LostRatio() = %v, want 0", got)
	}
	if got := c.LateRatio(); got != 0 {
		t.Errorf("LateRatio() = %v, want 0", got)
	}
	if got := c.OutOfOrderRatio(); got != 0 {
		t.Errorf("OutOfOrderRatio() = %v, want 0", got)
	}
}

func TestLossRatios(t *testing.T) {
	c := NewCounters()
	c.Add(engine.StreamAudio, false, engine.CounterDelta{
		Bytes:      16000,
		Packets:    100,
		Lost:       5,
		Late:       2,
		OutOfOrder: 1,
	})

	if got := c.LostRatio(); got != 0.05 {
		t.Errorf("LostRatio() = %v, want 0.05", got)
	}
	if got := c.LateRatio(); got != 0.02 {
		t.Errorf("LateRatio() = %v, want 0.02", got)
	}
	if got := c.OutOfOrderRatio(); got != 0.01 {
		t.Errorf("OutOfOrderRatio() = %v, want 0.01", got)
	}
}

func TestCountersSplitByDirection(t *testing.T) {
	c := NewCounters()
	c.Add(engine.StreamAudio, true, engine.CounterDelta{Bytes: 1000, Packets: 10})
	c.Add(engine.StreamAudio, false, engine.CounterDelta{Bytes: 2000, Packets: 20})
	c.Add(engine.StreamVideo, false, engine.CounterDelta{Bytes: 4000, Packets: 5})

	totals := c.Totals()
	if totals.BytesSent != 1000 {
		t.Errorf("BytesSent = %d, want 1000", totals.BytesSent)
	}
	if totals.BytesReceived != 6000 {
		t.Errorf("BytesReceived = %d, want 6000", totals.BytesReceived)
	}
	if totals.PacketsReceived != 25 {
		t.Errorf("PacketsReceived = %d, want 25", totals.PacketsReceived)
	}

	snap := c.Snapshot()
	if snap[engine.StreamVideo].BytesReceived != 4000 {
		t.Errorf("video BytesReceived = %d, want 4000", snap[engine.StreamVideo].BytesReceived)
	}
}
