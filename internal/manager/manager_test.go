package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sebas/callhub/internal/core"
	"github.com/sebas/callhub/internal/endpoint"
	"github.com/sebas/callhub/internal/engine"
	"github.com/sebas/callhub/internal/events"
)

// codecDriver is a minimal driver exposing a fixed codec set.
type codecDriver struct {
	protocol string
	codecs   []string

	mu       sync.Mutex
	sink     engine.Events
	enabled  []string
	disabled []string
	placed   []string
	media    []engine.MediaSettings
	dtmf     []engine.DTMFMode
}

func (d *codecDriver) Protocol() string          { return d.protocol }
func (d *codecDriver) SupportedCodecs() []string { return d.codecs }

func (d *codecDriver) Bind(sink engine.Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *codecDriver) events() engine.Events {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

func (d *codecDriver) PlaceCall(uri string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placed = append(d.placed, uri)
	return "tok", nil
}

func (d *codecDriver) AnswerCall(string) error                     { return nil }
func (d *codecDriver) ClearCall(string, engine.ReleaseCause) error { return nil }
func (d *codecDriver) TransferCall(string, string) error           { return nil }
func (d *codecDriver) HoldCall(string, bool) error                 { return nil }
func (d *codecDriver) PauseStream(string, engine.StreamKind, bool, bool) error {
	return nil
}
func (d *codecDriver) SendDTMF(string, byte) error { return nil }

func (d *codecDriver) SetDTMFMode(mode engine.DTMFMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dtmf = append(d.dtmf, mode)
	return nil
}

func (d *codecDriver) SetCodecOrder(enabled, disabled []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = append([]string(nil), enabled...)
	d.disabled = append([]string(nil), disabled...)
	return nil
}

func (d *codecDriver) ApplyMediaSettings(_ string, s engine.MediaSettings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.media = append(d.media, s)
	return nil
}

func (d *codecDriver) StartListener(string, int) error { return nil }
func (d *codecDriver) Register(context.Context, engine.RegistrationParams) error {
	return nil
}

func newManagerFixture(t *testing.T, drivers ...*codecDriver) (*CallManager, *core.Dispatcher) {
	t.Helper()
	d := core.NewDispatcher(64)
	d.Run(context.Background())
	t.Cleanup(d.Stop)

	hub := events.NewBus()
	m := New("default", d, core.NewErrorReporter(hub), nil)
	for _, drv := range drivers {
		ep := endpoint.New(endpoint.Config{Protocol: drv.protocol}, drv, d)
		t.Cleanup(ep.Close)
		m.AddEndpoint(ep)
	}
	return m, d
}

func flush(t *testing.T, d *core.Dispatcher) {
	t.Helper()
	done := make(chan struct{})
	d.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain in time")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSetCodecsReconciliation(t *testing.T) {
	sip := &codecDriver{protocol: "sip", codecs: []string{"PCMU", "PCMA", "opus"}}
	h323 := &codecDriver{protocol: "h323", codecs: []string{"G722", "PCMU"}}
	m, _ := newManagerFixture(t, sip, h323)

	// G729 is unsupported, opus appears twice; PCMA and G722 are
	// supported but unrequested.
	enabled := m.SetCodecs([]string{"opus", "G729", "PCMU", "opus"})

	wantEnabled := []string{"opus", "PCMU"}
	if !equalStrings(enabled, wantEnabled) {
		t.Fatalf("enabled = %v, want %v", enabled, wantEnabled)
	}
	if !equalStrings(m.Codecs(), wantEnabled) {
		t.Errorf("Codecs() = %v, want %v", m.Codecs(), wantEnabled)
	}

	wantDisabled := []string{"PCMA", "G722"}
	sip.mu.Lock()
	defer sip.mu.Unlock()
	if !equalStrings(sip.enabled, wantEnabled) {
		t.Errorf("driver enabled = %v, want %v", sip.enabled, wantEnabled)
	}
	if !equalStrings(sip.disabled, wantDisabled) {
		t.Errorf("driver disabled = %v, want %v", sip.disabled, wantDisabled)
	}
}

func TestApplySettingsClampsJitterBuffer(t *testing.T) {
	m, _ := newManagerFixture(t, &codecDriver{protocol: "sip", codecs: []string{"PCMU"}})

	got := m.ApplySettings(RuntimeSettings{JitterBufferMS: 5})
	if got.JitterBufferMS != 20 {
		t.Errorf("low clamp = %d, want 20", got.JitterBufferMS)
	}

	got = m.ApplySettings(RuntimeSettings{JitterBufferMS: 5000})
	if got.JitterBufferMS != 1000 {
		t.Errorf("high clamp = %d, want 1000", got.JitterBufferMS)
	}

	if m.Settings().JitterBufferMS != 1000 {
		t.Errorf("Settings() not stored, got %d", m.Settings().JitterBufferMS)
	}
}

func TestApplySettingsPushesRejectDelayRetroactively(t *testing.T) {
	drv := &codecDriver{protocol: "sip", codecs: []string{"PCMU"}}
	m, d := newManagerFixture(t, drv)

	drv.events().OnSetup("tok-in", "sip:carol@example.com", "Carol", "", true)
	flush(t, d)

	ep, ok := m.Endpoint("sip")
	if !ok {
		t.Fatal("Endpoint(sip) not found")
	}
	calls := ep.ActiveCalls()
	if len(calls) != 1 {
		t.Fatalf("active calls = %d, want 1", len(calls))
	}
	if got := calls[0].RejectDelay(); got != 0 {
		t.Fatalf("initial reject delay = %v, want 0", got)
	}

	m.ApplySettings(RuntimeSettings{JitterBufferMS: 100, InboundRejectDelay: 30 * time.Second})

	if got := calls[0].RejectDelay(); got != 30*time.Second {
		t.Errorf("active call reject delay = %v, want 30s", got)
	}
	if got := ep.RejectDelay(); got != 30*time.Second {
		t.Errorf("endpoint reject delay = %v, want 30s", got)
	}

	// A zero delay keeps the current override instead of wiping it.
	m.ApplySettings(RuntimeSettings{JitterBufferMS: 100})
	if got := ep.RejectDelay(); got != 30*time.Second {
		t.Errorf("reject delay after zero apply = %v, want 30s", got)
	}
}

func TestSetDTMFModePushedToEveryDriver(t *testing.T) {
	sip := &codecDriver{protocol: "sip", codecs: []string{"PCMU"}}
	h323 := &codecDriver{protocol: "h323", codecs: []string{"PCMU"}}
	m, _ := newManagerFixture(t, sip, h323)

	m.SetDTMFMode(engine.DTMFSignal)

	for _, drv := range []*codecDriver{sip, h323} {
		drv.mu.Lock()
		got := append([]engine.DTMFMode(nil), drv.dtmf...)
		drv.mu.Unlock()
		if len(got) != 1 || got[0] != engine.DTMFSignal {
			t.Errorf("driver %s recorded modes %v, want [%v]", drv.protocol, got, engine.DTMFSignal)
		}
	}
}

func TestDialRoutesBySchemeInEndpointOrder(t *testing.T) {
	sip := &codecDriver{protocol: "sip", codecs: []string{"PCMU"}}
	h323 := &codecDriver{protocol: "h323", codecs: []string{"PCMU"}}
	m, _ := newManagerFixture(t, sip, h323)

	if !m.Dial("h323:gw.example.com") {
		t.Fatal("Dial(h323 URI) = false")
	}
	h323.mu.Lock()
	placed := len(h323.placed)
	h323.mu.Unlock()
	if placed != 1 {
		t.Errorf("h323 driver placed %d calls, want 1", placed)
	}
	sip.mu.Lock()
	sipPlaced := len(sip.placed)
	sip.mu.Unlock()
	if sipPlaced != 0 {
		t.Errorf("sip driver placed %d calls, want 0", sipPlaced)
	}
}

func TestDialRejectsMalformedTargets(t *testing.T) {
	m, _ := newManagerFixture(t, &codecDriver{protocol: "sip", codecs: []string{"PCMU"}})

	for _, uri := range []string{"", "no-scheme-here", ":empty"} {
		if m.Dial(uri) {
			t.Errorf("Dial(%q) = true, want false", uri)
		}
	}
}

func TestStartWithoutDetectorAnnouncesReady(t *testing.T) {
	m, d := newManagerFixture(t, &codecDriver{protocol: "sip", codecs: []string{"PCMU"}})

	ready := 0
	m.Bus().Subscribe(events.ManagerReadySubject("default"), func(events.Event) { ready++ })

	m.Start()
	flush(t, d)

	if ready != 1 {
		t.Errorf("ready events = %d, want 1", ready)
	}
}
