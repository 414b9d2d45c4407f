package stun

import (
	"testing"
	"time"
)

func TestNATTypeString(t *testing.T) {
	tests := []struct {
		t    NATType
		want string
	}{
		{NATUnknown, "Unknown"},
		{NATOpen, "Open"},
		{NATCone, "Cone"},
		{NATSymmetric, "Symmetric"},
		{NATBlocked, "Blocked"},
		{NATType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.t), got, tt.want)
		}
	}
}

func TestNATTypeFavorable(t *testing.T) {
	favorable := map[NATType]bool{
		NATUnknown:   false,
		NATOpen:      true,
		NATCone:      true,
		NATSymmetric: false,
		NATBlocked:   false,
	}
	for typ, want := range favorable {
		if got := typ.Favorable(); got != want {
			t.Errorf("%s.Favorable() = %v, want %v", typ, got, want)
		}
	}
}

func TestTryResultBeforeProbe(t *testing.T) {
	d := NewDetector("stun.example.com:3478", time.Second)
	if _, ok := d.TryResult(); ok {
		t.Fatal("TryResult() reported a result before Start")
	}
}

func TestProbeAgainstUnresolvableServer(t *testing.T) {
	d := NewDetector("[invalid", 100*time.Millisecond)
	d.Start()

	deadline := time.After(2 * time.Second)
	for {
		if res, ok := d.TryResult(); ok {
			if res.Type != NATBlocked {
				t.Errorf("type = %s, want Blocked", res.Type)
			}
			if res.Err == nil {
				t.Error("expected a probe error")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("probe never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
