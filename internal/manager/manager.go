// Package manager implements the call manager: one coordination surface
// per protocol family that owns its endpoints, runs NAT detection at
// startup, keeps the codec preference list and run-time media settings,
// and announces readiness on its event bus.
package manager

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/callhub/internal/core"
	"github.com/sebas/callhub/internal/endpoint"
	"github.com/sebas/callhub/internal/engine"
	"github.com/sebas/callhub/internal/events"
	"github.com/sebas/callhub/internal/stun"
)

const (
	// stunPollInterval paces the readiness poll for the NAT probe.
	stunPollInterval = 100 * time.Millisecond

	// stunPollPatience is how many polls to wait before giving up and
	// starting without a NAT verdict.
	stunPollPatience = 60
)

// RuntimeSettings are the media parameters that can change while calls
// are up.
type RuntimeSettings struct {
	JitterBufferMS     int
	EchoCancellation   bool
	SilenceDetection   bool
	InboundRejectDelay time.Duration
}

// jitter buffer bounds, milliseconds
const (
	minJitterBufferMS = 20
	maxJitterBufferMS = 1000
)

// CallManager groups the endpoints of one deployment and brokers
// operations that span protocols.
type CallManager struct {
	name string
	bus  *events.Bus
	d    *core.Dispatcher

	reporter *core.ErrorReporter
	detector *stun.Detector

	mu        sync.Mutex
	endpoints []*endpoint.Endpoint
	settings  RuntimeSettings
	codecs    []string
	natType   stun.NATType
	ready     bool
}

// New creates a manager. The detector may be nil when NAT detection is
// disabled; the manager then announces readiness immediately on Start.
func New(name string, d *core.Dispatcher, reporter *core.ErrorReporter, detector *stun.Detector) *CallManager {
	return &CallManager{
		name:     name,
		bus:      events.NewBus(),
		d:        d,
		reporter: reporter,
		detector: detector,
		settings: RuntimeSettings{JitterBufferMS: 200, EchoCancellation: true, SilenceDetection: true},
	}
}

// Name returns the manager's name, used as the event source tag.
func (m *CallManager) Name() string { return m.name }

// Bus returns the manager's local event bus.
func (m *CallManager) Bus() *events.Bus { return m.bus }

// AddEndpoint registers an endpoint and wires it back to this manager.
// Endpoints are offered dial targets in registration order.
func (m *CallManager) AddEndpoint(ep *endpoint.Endpoint) {
	ep.Attach(m)
	m.mu.Lock()
	m.endpoints = append(m.endpoints, ep)
	m.mu.Unlock()
}

// Endpoint returns the endpoint owning the given protocol.
func (m *CallManager) Endpoint(protocol string) (*endpoint.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if ep.Protocol() == protocol {
			return ep, true
		}
	}
	return nil, false
}

// ActiveCallCount sums the active calls across all endpoints.
func (m *CallManager) ActiveCallCount() int {
	m.mu.Lock()
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	n := 0
	for _, ep := range eps {
		n += ep.ActiveCallCount()
	}
	return n
}

// NATType returns the last NAT verdict, NATUnknown before detection
// finished.
func (m *CallManager) NATType() stun.NATType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.natType
}

// --- Dialing -----------------------------------------------------------

// Dial validates the URI and offers it to the endpoints in registration
// order. Returns false when no endpoint accepted it.
func (m *CallManager) Dial(uri string) bool {
	if !validDialURI(uri) {
		slog.Warn("[CallManager] Rejecting malformed dial target", "uri", uri)
		return false
	}

	m.mu.Lock()
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	for _, ep := range eps {
		if ep.Dial(uri) {
			return true
		}
	}
	slog.Warn("[CallManager] No endpoint accepted dial target", "uri", uri)
	return false
}

// validDialURI accepts anything with a scheme and a parseable
// address part. SIP-shaped targets get the full parse.
func validDialURI(uri string) bool {
	if uri == "" {
		return false
	}
	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err == nil {
		return parsed.Host != ""
	}
	// Non-SIP schemes (h323) only need scheme:user@host shape.
	scheme, rest, found := strings.Cut(uri, ":")
	return found && scheme != "" && rest != ""
}

// --- Codec preferences -------------------------------------------------

// SetCodecs reconciles the requested preference order against what the
// drivers actually support: unsupported names are dropped, supported
// codecs missing from the request are appended disabled, and the result
// is pushed to every endpoint.
func (m *CallManager) SetCodecs(requested []string) []string {
	supported := m.supportedCodecs()

	enabled := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		if !supported[name] || seen[name] {
			continue
		}
		enabled = append(enabled, name)
		seen[name] = true
	}

	disabled := make([]string, 0)
	for _, name := range m.supportedOrder() {
		if !seen[name] {
			disabled = append(disabled, name)
		}
	}

	m.mu.Lock()
	m.codecs = append([]string(nil), enabled...)
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	for _, ep := range eps {
		if err := ep.Driver().SetCodecOrder(enabled, disabled); err != nil {
			slog.Warn("[CallManager] Codec order not applied", "protocol", ep.Protocol(), "error", err)
		}
	}
	return enabled
}

// Codecs returns the current enabled preference order.
func (m *CallManager) Codecs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.codecs...)
}

// SetDTMFMode pushes a DTMF sending mode to every endpoint's driver.
func (m *CallManager) SetDTMFMode(mode engine.DTMFMode) {
	m.mu.Lock()
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	for _, ep := range eps {
		if err := ep.Driver().SetDTMFMode(mode); err != nil {
			slog.Warn("[CallManager] DTMF mode not applied", "protocol", ep.Protocol(), "error", err)
		}
	}
}

func (m *CallManager) supportedCodecs() map[string]bool {
	out := make(map[string]bool)
	for _, name := range m.supportedOrder() {
		out[name] = true
	}
	return out
}

func (m *CallManager) supportedOrder() []string {
	m.mu.Lock()
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	var order []string
	seen := make(map[string]bool)
	for _, ep := range eps {
		for _, name := range ep.Driver().SupportedCodecs() {
			if !seen[name] {
				order = append(order, name)
				seen[name] = true
			}
		}
	}
	return order
}

// --- Run-time settings -------------------------------------------------

// ApplySettings stores the run-time settings and pushes them to every
// active call with open streams. Out-of-range jitter buffer sizes are
// clamped. A positive inbound reject delay overrides every endpoint's
// configured one, retroactively on active calls; zero leaves the
// per-endpoint configuration in place.
func (m *CallManager) ApplySettings(s RuntimeSettings) RuntimeSettings {
	if s.JitterBufferMS < minJitterBufferMS {
		s.JitterBufferMS = minJitterBufferMS
	}
	if s.JitterBufferMS > maxJitterBufferMS {
		s.JitterBufferMS = maxJitterBufferMS
	}
	if s.InboundRejectDelay < 0 {
		s.InboundRejectDelay = 0
	}

	m.mu.Lock()
	m.settings = s
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	media := engine.MediaSettings{
		JitterBufferMS:   s.JitterBufferMS,
		EchoCancellation: s.EchoCancellation,
		SilenceDetection: s.SilenceDetection,
	}
	for _, ep := range eps {
		ep.ApplyMediaSettings(media)
		if s.InboundRejectDelay > 0 {
			ep.SetRejectDelay(s.InboundRejectDelay)
		}
	}
	return s
}

// Settings returns a copy of the current run-time settings.
func (m *CallManager) Settings() RuntimeSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// --- Startup -----------------------------------------------------------

// Start kicks off NAT detection and announces readiness once the probe
// finished or patience ran out. Detection failure never blocks startup.
func (m *CallManager) Start() {
	if m.detector == nil {
		m.d.Post(func() { m.announceReady() })
		return
	}

	m.detector.Start()
	m.pollDetector(0)
}

func (m *CallManager) pollDetector(attempt int) {
	m.d.PostDelayed(stunPollInterval, func() {
		res, ok := m.detector.TryResult()
		if !ok {
			if attempt+1 >= stunPollPatience {
				slog.Warn("[CallManager] NAT detection timed out, starting anyway", "manager", m.name)
				m.reporter.Report(m.name, "NAT detection timed out")
				m.announceReady()
				return
			}
			m.pollDetector(attempt + 1)
			return
		}

		m.mu.Lock()
		m.natType = res.Type
		m.mu.Unlock()

		switch {
		case res.Err != nil:
			slog.Warn("[CallManager] NAT detection failed", "manager", m.name, "error", res.Err)
			m.reporter.Report(m.name, "NAT detection failed: "+res.Err.Error())
		case res.Type == stun.NATBlocked:
			slog.Warn("[CallManager] STUN blocked, inbound calls may not work", "manager", m.name)
			m.reporter.Report(m.name, "STUN traffic appears blocked")
		case res.Type.Favorable():
			slog.Info("[CallManager] NAT detection finished", "manager", m.name, "type", res.Type.String(), "mapped_ip", res.MappedIP)
			m.rebindListeners()
		default:
			slog.Info("[CallManager] NAT detection finished", "manager", m.name, "type", res.Type.String())
		}
		m.announceReady()
	})
}

// rebindListeners re-runs listener binding after a favorable NAT
// verdict, so endpoints that lost the race at construction time get a
// second chance at their configured ports.
func (m *CallManager) rebindListeners() {
	m.mu.Lock()
	eps := make([]*endpoint.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	m.mu.Unlock()

	for _, ep := range eps {
		if _, port := ep.BoundAddress(); port != 0 {
			continue
		}
		if err := ep.SetListenPort(defaultListenPort(ep.Protocol())); err != nil {
			slog.Warn("[CallManager] Listener rebind failed", "protocol", ep.Protocol(), "error", err)
		}
	}
}

func defaultListenPort(protocol string) int {
	if protocol == "h323" {
		return 1720
	}
	return 5060
}

// announceReady publishes the manager-ready event exactly once.
func (m *CallManager) announceReady() {
	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return
	}
	m.ready = true
	m.mu.Unlock()

	slog.Info("[CallManager] Ready", "manager", m.name)
	m.bus.Publish(&events.ManagerReadyEvent{BaseEvent: events.NewBase(), Manager: m.name})
}

var _ core.ManagerRef = (*CallManager)(nil)
var _ endpoint.ManagerView = (*CallManager)(nil)
