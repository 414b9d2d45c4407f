// Package endpoint implements the per-protocol adapter that owns active
// calls, translates engine callbacks into call transitions, applies the
// inbound forwarding policy and carries the account-subscription
// contract for its protocol.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/callhub/internal/account"
	"github.com/sebas/callhub/internal/call"
	"github.com/sebas/callhub/internal/core"
	"github.com/sebas/callhub/internal/engine"
	"github.com/sebas/callhub/internal/events"
	"github.com/sebas/callhub/internal/store"
)

const (
	// MaxNoAnswerDelay bounds the inbound no-answer timer.
	MaxNoAnswerDelay = 60 * time.Second

	// attemptTimeout bounds one registration attempt waiting for the
	// engine's callback.
	attemptTimeout = 20 * time.Second

	// terminatedTTL is how long a cleared call stays visible before its
	// removed event fires and the hub drops its subscriptions.
	terminatedTTL = 2 * time.Second

	// terminatedSweep is the cleanup interval of the terminated store.
	terminatedSweep = 500 * time.Millisecond
)

// ManagerView is the slice of the call manager an endpoint needs.
type ManagerView interface {
	Name() string
	Bus() *events.Bus
	ActiveCallCount() int
}

// PortRange is a fallback range for listener binding.
type PortRange struct {
	Lo int
	Hi int
}

// Valid reports whether the range can be scanned.
func (r PortRange) Valid() bool {
	return r.Lo > 0 && r.Hi >= r.Lo && r.Hi <= 65535
}

// ForwardPolicy is the inbound-call disposition configuration.
type ForwardPolicy struct {
	// UnconditionalURI forwards every inbound call immediately.
	UnconditionalURI string
	// ForwardOnBusy forwards instead of rejecting when already busy.
	ForwardOnBusy bool
	BusyURI       string
	// ForwardOnNoAnswer forwards after NoAnswerDelay of ringing.
	ForwardOnNoAnswer bool
	NoAnswerURI       string
	NoAnswerDelay     time.Duration
	// RejectDelay arms the plain reject timer when no-answer forwarding
	// is off.
	RejectDelay time.Duration
}

// Config configures one endpoint.
type Config struct {
	Protocol        string
	ListenInterface string
	ListenPort      int
	FallbackPorts   PortRange
	LocalParty      string
	Forward         ForwardPolicy
}

// Endpoint owns the active calls of one protocol.
type Endpoint struct {
	cfg    Config
	driver engine.Driver
	d      *core.Dispatcher
	mgr    ManagerView

	mu          sync.Mutex
	calls       map[string]*call.Call // by engine token
	byID        map[string]*call.Call // by call id
	setupDone   map[string]chan struct{}
	timers      map[string]*time.Timer
	boundPort   int
	boundIface  string
	rejectDelay time.Duration // runtime override of Forward.RejectDelay

	terminated *store.TTLStore[string, *call.Call]

	// registered-account cache, shared between the engine callback
	// goroutine and the coordination context
	regMu    sync.Mutex
	regCache map[string]*regEntry // by address-of-record
}

// regEntry tracks one subscribed account. Engine callbacks carry only
// the address-of-record, so the pending attempts are kept in issue order
// and each callback consumes the oldest one; a consumed generation that
// is no longer current is discarded by the account.
type regEntry struct {
	account   *account.Account
	pending   []regAttempt
	withdrawn bool
}

// regAttempt is one in-flight attempt. The driver holds the attempt's
// context for the whole window; whoever consumes the attempt (callback,
// worker error or timeout) releases it via cancel.
type regAttempt struct {
	gen    uint64
	cancel context.CancelFunc
}

// New creates an endpoint around its protocol driver.
func New(cfg Config, driver engine.Driver, d *core.Dispatcher) *Endpoint {
	if cfg.Protocol == "" {
		cfg.Protocol = driver.Protocol()
	}
	if cfg.ListenInterface == "" {
		cfg.ListenInterface = "0.0.0.0"
	}
	ep := &Endpoint{
		cfg:         cfg,
		driver:      driver,
		d:           d,
		calls:       make(map[string]*call.Call),
		byID:        make(map[string]*call.Call),
		setupDone:   make(map[string]chan struct{}),
		timers:      make(map[string]*time.Timer),
		rejectDelay: cfg.Forward.RejectDelay,
		regCache:    make(map[string]*regEntry),
		terminated:  store.NewTTLStore[string, *call.Call](terminatedSweep),
	}
	ep.terminated.SetOnEvict(func(token string, c *call.Call) {
		d.Post(func() { c.EmitRemoved() })
	})
	return ep
}

// Attach wires the endpoint to its manager and binds the engine
// callbacks. Must be called before any call or registration activity.
func (ep *Endpoint) Attach(mgr ManagerView) {
	ep.mgr = mgr
	ep.driver.Bind(ep)
}

// Protocol returns the wire protocol name this endpoint owns.
func (ep *Endpoint) Protocol() string { return ep.cfg.Protocol }

// Driver exposes the underlying engine driver.
func (ep *Endpoint) Driver() engine.Driver { return ep.driver }

// Close stops background cleanup.
func (ep *Endpoint) Close() {
	ep.terminated.Close()
}

// --- Dialing -----------------------------------------------------------

// AcceptsURI reports whether the URI's scheme belongs to this protocol.
func (ep *Endpoint) AcceptsURI(uri string) bool {
	scheme, _, found := strings.Cut(uri, ":")
	return found && scheme == ep.cfg.Protocol
}

// Dial places an outbound call. It returns false when the URI's scheme
// is foreign or the engine refused the command.
func (ep *Endpoint) Dial(uri string) bool {
	if !ep.AcceptsURI(uri) {
		return false
	}

	token, err := ep.driver.PlaceCall(uri)
	if err != nil {
		slog.Warn("[Endpoint] Place call failed", "protocol", ep.cfg.Protocol, "uri", uri, "error", err)
		return false
	}

	c := call.New(ep.mgr.Bus(), ep.driver, token, ep.cfg.LocalParty, call.DirectionOutgoing)
	done := make(chan struct{})

	ep.mu.Lock()
	ep.calls[token] = c
	ep.byID[c.ID()] = c
	ep.setupDone[token] = done
	ep.mu.Unlock()

	slog.Info("[Endpoint] Dialing", "protocol", ep.cfg.Protocol, "uri", uri, "call_id", c.ID())
	return true
}

// SetupDone returns a channel closed once the engine confirmed setup of
// the outbound leg (or the leg died first). Nil for unknown tokens.
func (ep *Endpoint) SetupDone(token string) <-chan struct{} {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.setupDone[token]
}

// ActiveCalls returns the endpoint's non-terminal calls.
func (ep *Endpoint) ActiveCalls() []*call.Call {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]*call.Call, 0, len(ep.calls))
	for _, c := range ep.calls {
		out = append(out, c)
	}
	return out
}

// ActiveCallCount returns the number of non-terminal calls.
func (ep *Endpoint) ActiveCallCount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.calls)
}

// CallByID returns an active call by its session id.
func (ep *Endpoint) CallByID(id string) (*call.Call, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c, ok := ep.byID[id]
	return c, ok
}

// SetRejectDelay overrides the configured inbound reject delay. It
// applies retroactively to every active call, not just new arrivals.
func (ep *Endpoint) SetRejectDelay(d time.Duration) {
	ep.mu.Lock()
	ep.rejectDelay = d
	ep.mu.Unlock()
	for _, c := range ep.ActiveCalls() {
		c.SetRejectDelay(d)
	}
}

// RejectDelay returns the current inbound reject delay.
func (ep *Endpoint) RejectDelay() time.Duration {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.rejectDelay
}

// ApplyMediaSettings pushes the run-time media parameters to every
// active call with open streams.
func (ep *Endpoint) ApplyMediaSettings(s engine.MediaSettings) {
	for _, c := range ep.ActiveCalls() {
		if !c.HasOpenStreams() {
			continue
		}
		if err := ep.driver.ApplyMediaSettings(c.Token(), s); err != nil {
			slog.Debug("[Endpoint] Media settings not applied", "call_id", c.ID(), "error", err)
		}
	}
}

// --- Listener binding --------------------------------------------------

// SetListenPort binds the signalling listener. It tries the requested
// port first; when that fails and a fallback range is configured it
// scans forward from the range's lower bound until a free port is found
// or the range is exhausted.
func (ep *Endpoint) SetListenPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid listen port %d", port)
	}
	if r := ep.cfg.FallbackPorts; (r.Lo != 0 || r.Hi != 0) && !r.Valid() {
		return fmt.Errorf("invalid fallback port range %d-%d", r.Lo, r.Hi)
	}

	if err := ep.driver.StartListener(ep.cfg.ListenInterface, port); err == nil {
		ep.recordBinding(port)
		return nil
	}

	r := ep.cfg.FallbackPorts
	if !r.Valid() {
		return fmt.Errorf("port %d unavailable and no fallback range configured", port)
	}
	for p := r.Lo; p <= r.Hi; p++ {
		if p == port {
			continue
		}
		if err := ep.driver.StartListener(ep.cfg.ListenInterface, p); err == nil {
			slog.Info("[Endpoint] Fell back to port", "protocol", ep.cfg.Protocol, "port", p)
			ep.recordBinding(p)
			return nil
		}
	}
	return fmt.Errorf("fallback range %d-%d exhausted", r.Lo, r.Hi)
}

func (ep *Endpoint) recordBinding(port int) {
	ep.mu.Lock()
	ep.boundPort = port
	ep.boundIface = ep.cfg.ListenInterface
	ep.mu.Unlock()
}

// BoundAddress returns the interface and port of the current listener.
func (ep *Endpoint) BoundAddress() (string, int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.boundIface, ep.boundPort
}

// --- Engine callbacks --------------------------------------------------
//
// Callbacks arrive on engine goroutines. Everything that touches call
// state is posted to the coordination dispatcher; only the quality
// counters are written directly under their own short mutex.

// OnSetup implements engine.Events.
func (ep *Endpoint) OnSetup(token, remoteURI, remoteName, remoteApp string, incoming bool) {
	ep.d.Post(func() {
		if incoming {
			c := call.New(ep.mgr.Bus(), ep.driver, token, ep.cfg.LocalParty, call.DirectionIncoming)
			c.SetNoAnswerForward(ep.cfg.Forward.NoAnswerDelay, ep.cfg.Forward.NoAnswerURI)
			c.SetRejectDelay(ep.RejectDelay())

			ep.mu.Lock()
			ep.calls[token] = c
			ep.byID[c.ID()] = c
			ep.mu.Unlock()

			c.HandleSetup(remoteURI, remoteName, remoteApp)
			ep.applyForwardPolicy(c)
			return
		}

		c, ok := ep.lookup(token)
		if !ok {
			return
		}
		c.HandleSetup(remoteURI, remoteName, remoteApp)
		ep.signalSetupDone(token)
	})
}

// OnAlerting implements engine.Events.
func (ep *Endpoint) OnAlerting(token string) {
	ep.d.Post(func() {
		if c, ok := ep.lookup(token); ok {
			c.HandleAlerting()
		}
	})
}

// OnEstablished implements engine.Events.
func (ep *Endpoint) OnEstablished(token string) {
	ep.d.Post(func() {
		c, ok := ep.lookup(token)
		if !ok {
			return
		}
		ep.disarmTimer(token)
		c.HandleEstablished()
	})
}

// OnReleased implements engine.Events.
func (ep *Endpoint) OnReleased(token string, cause engine.ReleaseCause) {
	ep.d.Post(func() {
		c, ok := ep.lookup(token)
		if !ok {
			return
		}
		ep.disarmTimer(token)
		ep.signalSetupDone(token)

		ep.mu.Lock()
		delete(ep.calls, token)
		delete(ep.byID, c.ID())
		ep.mu.Unlock()

		c.HandleCleared(cause)
		ep.terminated.Set(token, c, terminatedTTL)
	})
}

// OnHoldChanged implements engine.Events.
func (ep *Endpoint) OnHoldChanged(token string, held bool) {
	ep.d.Post(func() {
		if c, ok := ep.lookup(token); ok {
			c.HandleHoldChanged(held)
		}
	})
}

// OnMediaStreamOpened implements engine.Events.
func (ep *Endpoint) OnMediaStreamOpened(token string, kind engine.StreamKind, codec string, transmitting bool) {
	ep.d.Post(func() {
		if c, ok := ep.lookup(token); ok {
			c.HandleStreamOpened(kind, codec, transmitting)
		}
	})
}

// OnMediaStreamClosed implements engine.Events.
func (ep *Endpoint) OnMediaStreamClosed(token string, kind engine.StreamKind, transmitting bool) {
	ep.d.Post(func() {
		if c, ok := ep.lookup(token); ok {
			c.HandleStreamClosed(kind, transmitting)
		}
	})
}

// OnMediaCounters implements engine.Events. Counter updates bypass the
// dispatcher; the counters struct carries its own mutex for exactly this
// handoff.
func (ep *Endpoint) OnMediaCounters(token string, kind engine.StreamKind, transmitting bool, delta engine.CounterDelta) {
	if c, ok := ep.lookup(token); ok {
		c.HandleCounters(kind, transmitting, delta)
	}
}

// OnRegistered implements engine.Events.
func (ep *Endpoint) OnRegistered(aor string, unregistered bool) {
	ep.d.Post(func() {
		a, gen, withdrawn, ok := ep.popAttempt(aor)
		if !ok {
			return
		}
		state := account.StateRegistered
		if unregistered {
			state = account.StateUnregistered
		}
		if !a.ApplyResult(gen, state, "") {
			slog.Debug("[Endpoint] Stale registration result discarded", "aor", aor)
			return
		}
		if unregistered && withdrawn {
			ep.dropRegEntry(aor)
		}
	})
}

// OnRegistrationFailed implements engine.Events.
func (ep *Endpoint) OnRegistrationFailed(aor string, unregistered bool, reason string) {
	ep.d.Post(func() {
		a, gen, _, ok := ep.popAttempt(aor)
		if !ok {
			return
		}
		state := account.StateRegistrationFailed
		if unregistered {
			state = account.StateUnregistrationFailed
		}
		if !a.ApplyResult(gen, state, reason) {
			slog.Debug("[Endpoint] Stale registration failure discarded", "aor", aor)
		}
	})
}

// --- Forwarding policy -------------------------------------------------

// applyForwardPolicy decides the disposition of a fresh inbound call.
// Runs on the dispatcher.
func (ep *Endpoint) applyForwardPolicy(c *call.Call) {
	policy := ep.cfg.Forward
	token := c.Token()

	// Unconditional forward wins outright.
	if policy.UnconditionalURI != "" {
		slog.Info("[Endpoint] Forwarding inbound call", "call_id", c.ID(), "target", policy.UnconditionalURI)
		c.MarkLocallyRejected()
		c.Transfer(policy.UnconditionalURI)
		return
	}

	// Busy: the call being set up already counts, so more than one
	// active call means something else is in progress.
	if ep.mgr.ActiveCallCount() > 1 {
		if policy.ForwardOnBusy && policy.BusyURI != "" {
			slog.Info("[Endpoint] Busy, forwarding inbound call", "call_id", c.ID(), "target", policy.BusyURI)
			c.MarkLocallyRejected()
			c.Transfer(policy.BusyURI)
			return
		}
		slog.Info("[Endpoint] Busy, rejecting inbound call", "call_id", c.ID())
		c.MarkLocallyRejected()
		if err := ep.driver.ClearCall(token, engine.CauseBusy); err != nil {
			slog.Debug("[Endpoint] Busy reject failed", "call_id", c.ID(), "error", err)
		}
		return
	}

	delay, uri := c.NoAnswerForward()
	if policy.ForwardOnNoAnswer {
		if delay <= 0 {
			delay = MaxNoAnswerDelay
		}
		if delay > MaxNoAnswerDelay {
			delay = MaxNoAnswerDelay
		}
		target := uri
		ep.armTimer(token, delay, func() {
			if target != "" {
				slog.Info("[Endpoint] No answer, forwarding", "call_id", c.ID(), "target", target)
				c.MarkLocallyRejected()
				c.Transfer(target)
				return
			}
			if err := ep.driver.ClearCall(token, engine.CauseNoAnswer); err != nil {
				slog.Debug("[Endpoint] No-answer clear failed", "call_id", c.ID(), "error", err)
			}
		})
		return
	}

	if rd := c.RejectDelay(); rd > 0 {
		ep.armTimer(token, rd, func() {
			if err := ep.driver.ClearCall(token, engine.CauseNoAnswer); err != nil {
				slog.Debug("[Endpoint] Reject-delay clear failed", "call_id", c.ID(), "error", err)
			}
		})
	}
}

// armTimer arms the single per-call policy timer. The task runs on the
// dispatcher; arming replaces any previous timer for the token.
func (ep *Endpoint) armTimer(token string, delay time.Duration, task func()) {
	ep.mu.Lock()
	if old, ok := ep.timers[token]; ok {
		old.Stop()
	}
	ep.timers[token] = ep.d.PostDelayed(delay, func() {
		ep.mu.Lock()
		delete(ep.timers, token)
		ep.mu.Unlock()
		task()
	})
	ep.mu.Unlock()
}

// disarmTimer stops the pending policy timer for the token, if any.
func (ep *Endpoint) disarmTimer(token string) {
	ep.mu.Lock()
	if t, ok := ep.timers[token]; ok {
		t.Stop()
		delete(ep.timers, token)
	}
	ep.mu.Unlock()
}

// --- Account subscription contract -------------------------------------

// Subscribe claims an account of this endpoint's protocol. Returns false
// when the account's protocol name does not match.
func (ep *Endpoint) Subscribe(a *account.Account) bool {
	if a.Type() != ep.cfg.Protocol {
		return false
	}

	ep.regMu.Lock()
	ep.regCache[a.AoR()] = &regEntry{account: a}
	ep.regMu.Unlock()

	if a.Enabled() {
		ep.Register(a)
	}
	return true
}

// Unsubscribe withdraws an account, issuing an unregistration first when
// one is active.
func (ep *Endpoint) Unsubscribe(a *account.Account) bool {
	if a.Type() != ep.cfg.Protocol {
		return false
	}

	aor := a.AoR()
	ep.regMu.Lock()
	entry, ok := ep.regCache[aor]
	if ok {
		entry.withdrawn = true
	}
	ep.regMu.Unlock()
	if !ok {
		return false
	}

	if a.State() == account.StateRegistered || a.State() == account.StateProcessing {
		ep.Unregister(a)
	} else {
		ep.dropRegEntry(aor)
	}
	return true
}

// Register spawns one asynchronous registration attempt and returns
// immediately. A later call simply starts a newer attempt; results from
// superseded attempts are discarded by their generation number.
func (ep *Endpoint) Register(a *account.Account) {
	ep.startAttempt(a, false)
}

// Unregister spawns one asynchronous unregistration attempt.
func (ep *Endpoint) Unregister(a *account.Account) {
	ep.startAttempt(a, true)
}

func (ep *Endpoint) startAttempt(a *account.Account, unregister bool) {
	gen := a.BeginAttempt()
	aor := a.AoR()

	// The attempt context must outlive the worker goroutine: the driver
	// keeps it until the outcome callback arrives.
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)

	ep.regMu.Lock()
	entry, ok := ep.regCache[aor]
	if !ok {
		entry = &regEntry{account: a}
		ep.regCache[aor] = entry
	}
	entry.pending = append(entry.pending, regAttempt{gen: gen, cancel: cancel})
	ep.regMu.Unlock()

	p := a.Snapshot()
	params := engine.RegistrationParams{
		AoR:         aor,
		Host:        p.Host,
		User:        p.User,
		AuthUser:    p.AuthUser,
		Password:    p.Password,
		TimeoutSecs: p.TimeoutSecs,
		Unregister:  unregister,
	}

	// Worker: issue the blocking command, then let the engine callback
	// (or the attempt timeout) finish the state transition.
	go func() {
		failState := account.StateRegistrationFailed
		if unregister {
			failState = account.StateUnregistrationFailed
		}

		if err := ep.driver.Register(ctx, params); err != nil {
			ep.d.Post(func() {
				// No callback will arrive for this attempt.
				ep.removeAttempt(aor, gen)
				a.ApplyResult(gen, failState, err.Error())
			})
			return
		}

		ep.d.PostDelayed(attemptTimeout, func() {
			ep.removeAttempt(aor, gen)
			if a.ApplyResult(gen, failState, "attempt timed out") {
				slog.Warn("[Endpoint] Registration attempt timed out", "aor", aor)
			}
		})
	}()
}

// popAttempt consumes the oldest pending attempt generation for the
// address-of-record.
func (ep *Endpoint) popAttempt(aor string) (a *account.Account, gen uint64, withdrawn, ok bool) {
	ep.regMu.Lock()
	defer ep.regMu.Unlock()
	entry, found := ep.regCache[aor]
	if !found || len(entry.pending) == 0 {
		return nil, 0, false, false
	}
	att := entry.pending[0]
	entry.pending = entry.pending[1:]
	att.cancel()
	return entry.account, att.gen, entry.withdrawn, true
}

// removeAttempt drops one pending attempt without consuming order.
func (ep *Endpoint) removeAttempt(aor string, gen uint64) {
	ep.regMu.Lock()
	defer ep.regMu.Unlock()
	entry, found := ep.regCache[aor]
	if !found {
		return
	}
	for i, att := range entry.pending {
		if att.gen == gen {
			att.cancel()
			entry.pending = append(entry.pending[:i], entry.pending[i+1:]...)
			return
		}
	}
}

// RegisteredAccount returns the cached account for an address-of-record.
func (ep *Endpoint) RegisteredAccount(aor string) (*account.Account, bool) {
	ep.regMu.Lock()
	defer ep.regMu.Unlock()
	entry, ok := ep.regCache[aor]
	if !ok {
		return nil, false
	}
	return entry.account, true
}

func (ep *Endpoint) dropRegEntry(aor string) {
	ep.regMu.Lock()
	delete(ep.regCache, aor)
	ep.regMu.Unlock()
}

// --- helpers -----------------------------------------------------------

func (ep *Endpoint) lookup(token string) (*call.Call, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c, ok := ep.calls[token]
	return c, ok
}

func (ep *Endpoint) signalSetupDone(token string) {
	ep.mu.Lock()
	done, ok := ep.setupDone[token]
	if ok {
		delete(ep.setupDone, token)
	}
	ep.mu.Unlock()
	if ok {
		close(done)
	}
}

var _ engine.Events = (*Endpoint)(nil)
var _ core.AccountSubscriber = (*Endpoint)(nil)
