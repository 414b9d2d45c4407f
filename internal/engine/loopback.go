package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// LoopbackConfig tunes the loopback driver's simulated behaviour.
type LoopbackConfig struct {
	// Protocol is the wire protocol name this instance pretends to speak.
	Protocol string
	// AnswerDelay is how long an outbound leg rings before auto-answering.
	AnswerDelay time.Duration
	// RegisterRTT is the simulated round-trip to the registrar.
	RegisterRTT time.Duration
	// RejectRegistrar is a host whose registrations always fail.
	RejectRegistrar string
	// AutoAnswer controls whether outbound calls connect by themselves.
	AutoAnswer bool
}

// DefaultLoopbackConfig returns the timings used by cmd and most tests.
func DefaultLoopbackConfig(protocol string) LoopbackConfig {
	return LoopbackConfig{
		Protocol:    protocol,
		AnswerDelay: 200 * time.Millisecond,
		RegisterRTT: 50 * time.Millisecond,
		AutoAnswer:  true,
	}
}

// Loopback is an in-process Driver that answers its own calls and media.
// It exists so the coordination core can run end-to-end without a real
// protocol stack: sessions connect after a short ring, the media pump
// loops µ-law RTP packets back and reports their counters.
type Loopback struct {
	cfg    LoopbackConfig
	events Events

	mu       sync.Mutex
	sessions map[string]*loopbackSession
	codecs   []string
	enabled  []string
	dtmfMode DTMFMode
	listener string
}

type loopbackSession struct {
	token     string
	remoteURI string
	incoming  bool
	held      bool

	pumpStop chan struct{}
	pumpOnce sync.Once

	pausedMu sync.Mutex
	paused   map[StreamKind]bool
}

// NewLoopback creates a loopback driver.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.Protocol == "" {
		cfg.Protocol = "sip"
	}
	return &Loopback{
		cfg:      cfg,
		sessions: make(map[string]*loopbackSession),
		codecs:   []string{"PCMU", "PCMA", "G722", "opus", "H264"},
	}
}

// Protocol implements Driver.
func (l *Loopback) Protocol() string {
	return l.cfg.Protocol
}

// SupportedCodecs implements Driver.
func (l *Loopback) SupportedCodecs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.codecs))
	copy(out, l.codecs)
	return out
}

// Bind implements Driver.
func (l *Loopback) Bind(events Events) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = events
}

func (l *Loopback) sink() Events {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// PlaceCall implements Driver. The session rings for AnswerDelay and
// then connects (when AutoAnswer is on), opening a looped audio stream.
func (l *Loopback) PlaceCall(uri string) (string, error) {
	ev := l.sink()
	if ev == nil {
		return "", fmt.Errorf("driver not bound")
	}
	if !strings.HasPrefix(uri, l.cfg.Protocol+":") {
		return "", fmt.Errorf("unsupported scheme in %q", uri)
	}

	token := uuid.New().String()
	sess := &loopbackSession{
		token:     token,
		remoteURI: uri,
		pumpStop:  make(chan struct{}),
		paused:    make(map[StreamKind]bool),
	}
	l.mu.Lock()
	l.sessions[token] = sess
	l.mu.Unlock()

	go func() {
		ev.OnSetup(token, uri, "", "callhub-loopback", false)
		time.Sleep(l.cfg.AnswerDelay / 2)
		if !l.alive(token) {
			return
		}
		ev.OnAlerting(token)
		if !l.cfg.AutoAnswer {
			return
		}
		time.Sleep(l.cfg.AnswerDelay / 2)
		if !l.alive(token) {
			return
		}
		l.establish(sess)
	}()

	return token, nil
}

// InjectIncomingCall simulates an inbound session from the remote party.
func (l *Loopback) InjectIncomingCall(remoteURI, remoteName string) (string, error) {
	ev := l.sink()
	if ev == nil {
		return "", fmt.Errorf("driver not bound")
	}

	token := uuid.New().String()
	sess := &loopbackSession{
		token:     token,
		remoteURI: remoteURI,
		incoming:  true,
		pumpStop:  make(chan struct{}),
		paused:    make(map[StreamKind]bool),
	}
	l.mu.Lock()
	l.sessions[token] = sess
	l.mu.Unlock()

	ev.OnSetup(token, remoteURI, remoteName, "callhub-loopback", true)
	return token, nil
}

func (l *Loopback) alive(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[token]
	return ok
}

func (l *Loopback) establish(sess *loopbackSession) {
	ev := l.sink()
	if ev == nil {
		return
	}
	ev.OnEstablished(sess.token)
	ev.OnMediaStreamOpened(sess.token, StreamAudio, "PCMU", true)
	ev.OnMediaStreamOpened(sess.token, StreamAudio, "PCMU", false)
	sess.pumpOnce.Do(func() {
		go l.mediaPump(sess)
	})
}

// mediaPump loops 20 ms µ-law frames over a local UDP socket and reports
// the resulting counters, so the stats path sees real packet traffic.
func (l *Loopback) mediaPump(sess *loopbackSession) {
	ev := l.sink()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		slog.Debug("[Loopback] Media pump socket failed", "error", err)
		return
	}
	defer conn.Close()
	addr := conn.LocalAddr()

	// 20 ms of 8 kHz 16-bit PCM: a quiet 440 Hz tone.
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		s := int16(2000 * math.Sin(2*math.Pi*440*float64(i)/8000))
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	payload := g711.EncodeUlaw(pcm)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	recvBuf := make([]byte, 1500)

	for {
		select {
		case <-sess.pumpStop:
			return
		case <-ticker.C:
		}

		sess.pausedMu.Lock()
		paused := sess.paused[StreamAudio]
		sess.pausedMu.Unlock()
		if paused {
			continue
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0, // PCMU
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           0x1eaf,
			},
			Payload: payload,
		}
		seq++
		ts += 160

		data, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := conn.WriteTo(data, addr); err != nil {
			continue
		}
		if ev != nil {
			ev.OnMediaCounters(sess.token, StreamAudio, true, CounterDelta{
				Bytes:   uint64(len(data)),
				Packets: 1,
			})
		}

		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, _, err := conn.ReadFrom(recvBuf)
		if err != nil || n == 0 {
			continue
		}
		var in rtp.Packet
		if err := in.Unmarshal(recvBuf[:n]); err != nil {
			continue
		}
		if ev != nil {
			ev.OnMediaCounters(sess.token, StreamAudio, false, CounterDelta{
				Bytes:    uint64(n),
				Packets:  1,
				JitterMS: 2,
			})
		}
	}
}

// AnswerCall implements Driver.
func (l *Loopback) AnswerCall(token string) error {
	l.mu.Lock()
	sess, ok := l.sessions[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %s", token)
	}
	if !sess.incoming {
		return fmt.Errorf("session %s is outbound", token)
	}
	l.establish(sess)
	return nil
}

// ClearCall implements Driver.
func (l *Loopback) ClearCall(token string, cause ReleaseCause) error {
	l.mu.Lock()
	sess, ok := l.sessions[token]
	if ok {
		delete(l.sessions, token)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %s", token)
	}

	close(sess.pumpStop)
	if ev := l.sink(); ev != nil {
		ev.OnMediaStreamClosed(token, StreamAudio, true)
		ev.OnMediaStreamClosed(token, StreamAudio, false)
		ev.OnReleased(token, cause)
	}
	return nil
}

// TransferCall implements Driver. The loopback engine treats a transfer
// as a release with the forwarded cause.
func (l *Loopback) TransferCall(token, uri string) error {
	if uri == "" {
		return fmt.Errorf("empty transfer target")
	}
	return l.ClearCall(token, CauseForwarded)
}

// HoldCall implements Driver.
func (l *Loopback) HoldCall(token string, hold bool) error {
	l.mu.Lock()
	sess, ok := l.sessions[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %s", token)
	}
	sess.held = hold
	if ev := l.sink(); ev != nil {
		ev.OnHoldChanged(token, hold)
	}
	return nil
}

// PauseStream implements Driver.
func (l *Loopback) PauseStream(token string, kind StreamKind, transmitting, paused bool) error {
	l.mu.Lock()
	sess, ok := l.sessions[token]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %s", token)
	}
	sess.pausedMu.Lock()
	sess.paused[kind] = paused
	sess.pausedMu.Unlock()
	return nil
}

// SendDTMF implements Driver.
func (l *Loopback) SendDTMF(token string, digit byte) error {
	if !l.alive(token) {
		return fmt.Errorf("no session %s", token)
	}
	slog.Debug("[Loopback] DTMF", "token", token, "digit", string(digit))
	return nil
}

// SetDTMFMode implements Driver.
func (l *Loopback) SetDTMFMode(mode DTMFMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dtmfMode = mode
	return nil
}

// SetCodecOrder implements Driver.
func (l *Loopback) SetCodecOrder(enabled, disabled []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = make([]string, len(enabled))
	copy(l.enabled, enabled)
	return nil
}

// EnabledCodecs returns the last pushed preference order (for tests).
func (l *Loopback) EnabledCodecs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.enabled))
	copy(out, l.enabled)
	return out
}

// ApplyMediaSettings implements Driver.
func (l *Loopback) ApplyMediaSettings(token string, s MediaSettings) error {
	if !l.alive(token) {
		return fmt.Errorf("no session %s", token)
	}
	return nil
}

// StartListener implements Driver. It really binds the UDP port so the
// fallback-range scan in the endpoint sees genuine conflicts.
func (l *Loopback) StartListener(iface string, port int) error {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(iface, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", iface, port, err)
	}
	conn.Close()
	l.mu.Lock()
	l.listener = net.JoinHostPort(iface, fmt.Sprintf("%d", port))
	l.mu.Unlock()
	return nil
}

// Register implements Driver. The outcome arrives on the Events sink
// after the simulated round-trip.
func (l *Loopback) Register(ctx context.Context, p RegistrationParams) error {
	ev := l.sink()
	if ev == nil {
		return fmt.Errorf("driver not bound")
	}
	if p.Host == "" || p.User == "" {
		return fmt.Errorf("registration needs host and user")
	}

	go func() {
		select {
		case <-ctx.Done():
			ev.OnRegistrationFailed(p.AoR, p.Unregister, "timeout")
			return
		case <-time.After(l.cfg.RegisterRTT):
		}
		if l.cfg.RejectRegistrar != "" && p.Host == l.cfg.RejectRegistrar {
			ev.OnRegistrationFailed(p.AoR, p.Unregister, "registrar refused credentials")
			return
		}
		ev.OnRegistered(p.AoR, p.Unregister)
	}()
	return nil
}

var _ Driver = (*Loopback)(nil)
