// Package call implements the per-session state machine and the quality
// statistics attached to an established session.
//
// Transitions are driven only by the owning protocol endpoint, which
// translates engine callbacks into Handle* calls. Every transition emits
// exactly one event on the manager's bus before returning.
package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/callhub/internal/engine"
	"github.com/sebas/callhub/internal/events"
)

// StreamState tracks one media stream of the call.
type StreamState struct {
	Active       bool
	Codec        string
	Transmitting bool
	Paused       bool
}

// Call is one voice/video session, successful or not. A Call belongs to
// exactly one endpoint and one manager for its whole lifetime.
type Call struct {
	id        string
	token     string
	direction Direction
	bus       *events.Bus
	driver    engine.Driver

	mu            sync.Mutex
	state         State
	held          bool
	remoteURI     string
	remoteParty   string
	remoteApp     string
	localParty    string
	startTime     time.Time
	answerTime    time.Time
	endTime       time.Time
	clearReason   ClearReason
	established   bool
	locallyEnded  bool // hangup/reject came from this side
	streams       map[streamKey]*StreamState

	// timers configured on the call, armed by the owning endpoint
	noAnswerDelay time.Duration
	noAnswerURI   string
	rejectDelay   time.Duration

	counters *Counters
	stats    *StatsAggregator
}

type streamKey struct {
	kind         engine.StreamKind
	transmitting bool
}

// New creates a call in the Created state.
func New(bus *events.Bus, driver engine.Driver, token, localParty string, direction Direction) *Call {
	c := &Call{
		id:         uuid.New().String(),
		token:      token,
		direction:  direction,
		bus:        bus,
		driver:     driver,
		localParty: localParty,
		state:      StateCreated,
		startTime:  time.Now(),
		streams:    make(map[streamKey]*StreamState),
		counters:   NewCounters(),
	}
	c.stats = NewStatsAggregator(c)
	return c
}

// ID returns the opaque session id.
func (c *Call) ID() string { return c.id }

// Token returns the engine's session token.
func (c *Call) Token() string { return c.token }

// Direction returns who initiated the call.
func (c *Call) Direction() Direction { return c.direction }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteURI returns the parsed remote URI, if any.
func (c *Call) RemoteURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteURI
}

// RemoteParty returns the remote display identity, if any.
func (c *Call) RemoteParty() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteParty
}

// IsHeld reports whether the call is currently on hold.
func (c *Call) IsHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// ClearedReason returns the clearing reason of a terminal call.
func (c *Call) ClearedReason() ClearReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearReason
}

// Counters exposes the raw quality counters.
func (c *Call) Counters() *Counters { return c.counters }

// Stats exposes the per-call statistics aggregator.
func (c *Call) Stats() *StatsAggregator { return c.stats }

// NoAnswerForward returns the configured no-answer forwarding target.
func (c *Call) NoAnswerForward() (time.Duration, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noAnswerDelay, c.noAnswerURI
}

// RejectDelay returns the configured plain reject delay.
func (c *Call) RejectDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejectDelay
}

// --- Public operations -------------------------------------------------
//
// Each is a best-effort command relayed to the protocol engine. Failure
// is silent at this layer: the engine surfaces failure through its own
// release callback, which becomes a Cleared transition.

// Hangup ends the call from this side.
func (c *Call) Hangup() {
	c.mu.Lock()
	c.locallyEnded = true
	c.mu.Unlock()
	if err := c.driver.ClearCall(c.token, engine.CauseLocalCleared); err != nil {
		slog.Debug("[Call] Hangup command failed", "call_id", c.id, "error", err)
	}
}

// Answer accepts an inbound call.
func (c *Call) Answer() {
	if err := c.driver.AnswerCall(c.token); err != nil {
		slog.Debug("[Call] Answer command failed", "call_id", c.id, "error", err)
	}
}

// Transfer redirects the call to another URI.
func (c *Call) Transfer(uri string) {
	if err := c.driver.TransferCall(c.token, uri); err != nil {
		slog.Debug("[Call] Transfer command failed", "call_id", c.id, "uri", uri, "error", err)
	}
}

// ToggleHold flips the hold state of an established call.
func (c *Call) ToggleHold() {
	c.mu.Lock()
	hold := c.state == StateEstablished
	meaningful := c.state == StateEstablished || c.state == StateHeld
	c.mu.Unlock()
	if !meaningful {
		return
	}
	if err := c.driver.HoldCall(c.token, hold); err != nil {
		slog.Debug("[Call] Hold command failed", "call_id", c.id, "error", err)
	}
}

// ToggleStreamPause pauses or resumes transmission of one stream kind.
func (c *Call) ToggleStreamPause(kind engine.StreamKind) {
	key := streamKey{kind: kind, transmitting: true}
	c.mu.Lock()
	st, ok := c.streams[key]
	paused := false
	if ok {
		st.Paused = !st.Paused
		paused = st.Paused
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.driver.PauseStream(c.token, kind, true, paused); err != nil {
		slog.Debug("[Call] Pause command failed", "call_id", c.id, "kind", kind.String(), "error", err)
	}
}

// SendDTMF emits one digit on the call.
func (c *Call) SendDTMF(digit byte) {
	if err := c.driver.SendDTMF(c.token, digit); err != nil {
		slog.Debug("[Call] DTMF command failed", "call_id", c.id, "error", err)
	}
}

// SetNoAnswerForward configures forwarding after the given ringing delay.
func (c *Call) SetNoAnswerForward(delay time.Duration, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noAnswerDelay = delay
	c.noAnswerURI = uri
}

// SetRejectDelay configures the plain reject timer delay.
func (c *Call) SetRejectDelay(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectDelay = delay
}

// MarkLocallyRejected records that this side refused the call, so a
// never-connected call clears instead of counting as missed.
func (c *Call) MarkLocallyRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locallyEnded = true
}

// --- Transitions (owning endpoint only) --------------------------------

// HandleSetup captures the remote identity reported by the engine and
// moves the call to Setup. A remote URI that fails to parse leaves the
// identity fields empty; that is not an error.
func (c *Call) HandleSetup(remoteURI, remoteName, remoteApp string) {
	c.mu.Lock()
	if !c.state.CanTransitionTo(StateSetup) {
		c.mu.Unlock()
		return
	}
	c.state = StateSetup
	c.remoteApp = remoteApp
	var parsed sip.Uri
	if err := sip.ParseUri(remoteURI, &parsed); err == nil {
		c.remoteURI = remoteURI
		if remoteName != "" {
			c.remoteParty = remoteName
		} else {
			c.remoteParty = parsed.User
		}
	}
	ev := c.stateEvent(events.SubjectCallCreated)
	c.mu.Unlock()

	c.bus.Publish(ev)
}

// HandleAlerting reports remote ringing. Meaningful for outbound legs
// only; inbound alerting is a no-op.
func (c *Call) HandleAlerting() {
	c.mu.Lock()
	if c.direction != DirectionOutgoing || !c.state.CanTransitionTo(StateAlerting) {
		c.mu.Unlock()
		return
	}
	c.state = StateAlerting
	ev := c.stateEvent(events.SubjectCallRinging)
	c.mu.Unlock()

	c.bus.Publish(ev)
}

// HandleEstablished moves the call to Established and starts the stats
// aggregator. Emitted at most once.
func (c *Call) HandleEstablished() {
	c.mu.Lock()
	if c.established || !c.state.CanTransitionTo(StateEstablished) {
		c.mu.Unlock()
		return
	}
	c.state = StateEstablished
	c.established = true
	c.answerTime = time.Now()
	ev := c.stateEvent(events.SubjectCallEstablished)
	c.mu.Unlock()

	c.stats.Start()
	c.bus.Publish(ev)
}

// HandleHoldChanged toggles between Established and Held.
func (c *Call) HandleHoldChanged(held bool) {
	c.mu.Lock()
	var next State
	var kind string
	if held {
		next, kind = StateHeld, events.SubjectCallHeld
	} else {
		next, kind = StateEstablished, events.SubjectCallRetrieved
	}
	if !c.state.CanTransitionTo(next) {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.held = held
	ev := c.stateEvent(kind)
	c.mu.Unlock()

	c.bus.Publish(ev)
}

// HandleCleared finishes the call. A call that never reached Established
// and was not ended locally becomes Missed instead of Cleared.
func (c *Call) HandleCleared(cause engine.ReleaseCause) {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	missed := !c.established && !c.locallyEnded && c.direction == DirectionIncoming
	next := StateCleared
	kind := events.SubjectCallCleared
	if missed {
		next = StateMissed
		kind = events.SubjectCallMissed
	}
	if !c.state.CanTransitionTo(next) {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.endTime = time.Now()
	c.clearReason = mapCause(cause)
	ev := c.stateEvent(kind)
	ev.Reason = c.clearReason.String()
	ev.Detail = c.detailLocked(kind)
	c.mu.Unlock()

	c.stats.Stop()
	c.bus.Publish(ev)
}

// HandleStreamOpened records an opening media stream.
func (c *Call) HandleStreamOpened(kind engine.StreamKind, codec string, transmitting bool) {
	c.mu.Lock()
	c.streams[streamKey{kind: kind, transmitting: transmitting}] = &StreamState{
		Active:       true,
		Codec:        codec,
		Transmitting: transmitting,
	}
	c.mu.Unlock()

	c.bus.Publish(&events.CallStreamEvent{
		BaseEvent:    events.NewBase(),
		CallID:       c.id,
		StreamKind:   kind.String(),
		Codec:        codec,
		Transmitting: transmitting,
		Open:         true,
	})
}

// HandleStreamClosed records a closing media stream.
func (c *Call) HandleStreamClosed(kind engine.StreamKind, transmitting bool) {
	key := streamKey{kind: kind, transmitting: transmitting}
	c.mu.Lock()
	codec := ""
	if st, ok := c.streams[key]; ok {
		st.Active = false
		codec = st.Codec
	}
	c.mu.Unlock()

	c.bus.Publish(&events.CallStreamEvent{
		BaseEvent:    events.NewBase(),
		CallID:       c.id,
		StreamKind:   kind.String(),
		Codec:        codec,
		Transmitting: transmitting,
		Open:         false,
	})
}

// HandleCounters folds an engine counter report into the call's totals.
func (c *Call) HandleCounters(kind engine.StreamKind, transmitting bool, d engine.CounterDelta) {
	c.counters.Add(kind, transmitting, d)
}

// EmitRemoved publishes the removal event. The owning endpoint calls it
// when it drops the terminal call; the call hub uses it as the only
// subscription-teardown trigger.
func (c *Call) EmitRemoved() {
	c.mu.Lock()
	ev := c.stateEvent(events.SubjectCallRemoved)
	c.mu.Unlock()
	c.bus.Publish(ev)
}

// Stream returns the state of one stream direction, if present.
func (c *Call) Stream(kind engine.StreamKind, transmitting bool) (StreamState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamKey{kind: kind, transmitting: transmitting}]
	if !ok {
		return StreamState{}, false
	}
	return *st, true
}

// HasOpenStreams reports whether any media stream is currently active.
func (c *Call) HasOpenStreams() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.streams {
		if st.Active {
			return true
		}
	}
	return false
}

// stateEvent builds a lifecycle event. Caller holds c.mu.
func (c *Call) stateEvent(kind string) *events.CallStateEvent {
	return &events.CallStateEvent{
		BaseEvent:   events.NewBase(),
		CallID:      c.id,
		Kind:        kind,
		Direction:   c.direction.String(),
		RemoteURI:   c.remoteURI,
		RemoteParty: c.remoteParty,
	}
}

// detailLocked builds the terminal detail record. Caller holds c.mu.
func (c *Call) detailLocked(kind string) *events.CallDetail {
	talk := time.Duration(0)
	if !c.answerTime.IsZero() {
		talk = c.endTime.Sub(c.answerTime)
	}
	disposition := "answered"
	switch {
	case kind == events.SubjectCallMissed:
		disposition = "missed"
	case c.answerTime.IsZero():
		disposition = "failed"
	}
	return &events.CallDetail{
		CallID:      c.id,
		Direction:   c.direction.String(),
		RemoteURI:   c.remoteURI,
		RemoteParty: c.remoteParty,
		LocalParty:  c.localParty,
		StartTime:   c.startTime,
		AnswerTime:  c.answerTime,
		EndTime:     c.endTime,
		TalkTime:    talk,
		Disposition: disposition,
		Reason:      c.clearReason.String(),
	}
}

// mapCause translates an engine release cause into the clearing taxonomy.
func mapCause(cause engine.ReleaseCause) ClearReason {
	switch cause {
	case engine.CauseLocalCleared:
		return ReasonLocalCleared
	case engine.CauseRemoteCleared:
		return ReasonRemoteCleared
	case engine.CauseBusy:
		return ReasonBusy
	case engine.CauseRejected:
		return ReasonRejected
	case engine.CauseNoAnswer:
		return ReasonNoAnswer
	case engine.CauseTransportFail:
		return ReasonTransportFailure
	case engine.CauseCodecMismatch:
		return ReasonCodecMismatch
	case engine.CauseForwarded:
		return ReasonForwarded
	case engine.CauseSecurityFail:
		return ReasonSecurityFailure
	default:
		return ReasonUnknown
	}
}
