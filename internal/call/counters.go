package call

import (
	"sync"

	"github.com/sebas/callhub/internal/engine"
)

// StreamCounters are the raw transport counters of one stream kind.
type StreamCounters struct {
	BytesSent         uint64
	BytesReceived     uint64
	PacketsSent       uint64
	PacketsReceived   uint64
	PacketsLost       uint64
	PacketsLate       uint64
	PacketsOutOfOrder uint64
	JitterMS          float64
}

// Counters accumulates raw per-stream transport counters. The struct is
// shared between the engine callback goroutine and the coordination
// context; the mutex is held only for the read-modify-write.
type Counters struct {
	mu      sync.Mutex
	streams map[engine.StreamKind]*StreamCounters
}

// NewCounters creates zeroed counters for audio and video.
func NewCounters() *Counters {
	return &Counters{
		streams: map[engine.StreamKind]*StreamCounters{
			engine.StreamAudio: {},
			engine.StreamVideo: {},
		},
	}
}

// Add folds one counter delta from the engine into the totals.
func (c *Counters) Add(kind engine.StreamKind, transmitting bool, d engine.CounterDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc, ok := c.streams[kind]
	if !ok {
		sc = &StreamCounters{}
		c.streams[kind] = sc
	}
	if transmitting {
		sc.BytesSent += d.Bytes
		sc.PacketsSent += d.Packets
	} else {
		sc.BytesReceived += d.Bytes
		sc.PacketsReceived += d.Packets
		sc.PacketsLost += d.Lost
		sc.PacketsLate += d.Late
		sc.PacketsOutOfOrder += d.OutOfOrder
		if d.JitterMS > 0 {
			sc.JitterMS = d.JitterMS
		}
	}
}

// Snapshot returns a copy of the current per-stream counters.
func (c *Counters) Snapshot() map[engine.StreamKind]StreamCounters {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[engine.StreamKind]StreamCounters, len(c.streams))
	for kind, sc := range c.streams {
		out[kind] = *sc
	}
	return out
}

// Totals sums the audio and video counters.
func (c *Counters) Totals() StreamCounters {
	c.mu.Lock()
	defer c.mu.Unlock()

	var t StreamCounters
	for _, sc := range c.streams {
		t.BytesSent += sc.BytesSent
		t.BytesReceived += sc.BytesReceived
		t.PacketsSent += sc.PacketsSent
		t.PacketsReceived += sc.PacketsReceived
		t.PacketsLost += sc.PacketsLost
		t.PacketsLate += sc.PacketsLate
		t.PacketsOutOfOrder += sc.PacketsOutOfOrder
		if sc.JitterMS > t.JitterMS {
			t.JitterMS = sc.JitterMS
		}
	}
	return t
}

// ratio divides count by total packets, guarding the zero-packet case.
func ratio(count, totalPackets uint64) float64 {
	if totalPackets < 1 {
		totalPackets = 1
	}
	return float64(count) / float64(totalPackets)
}

// LostRatio returns lost packets over total received packets.
func (c *Counters) LostRatio() float64 {
	t := c.Totals()
	return ratio(t.PacketsLost, t.PacketsReceived)
}

// LateRatio returns late packets over total received packets.
func (c *Counters) LateRatio() float64 {
	t := c.Totals()
	return ratio(t.PacketsLate, t.PacketsReceived)
}

// OutOfOrderRatio returns out-of-order packets over total received packets.
func (c *Counters) OutOfOrderRatio() float64 {
	t := c.Totals()
	return ratio(t.PacketsOutOfOrder, t.PacketsReceived)
}
