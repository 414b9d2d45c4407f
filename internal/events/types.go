package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is anything routable by subject on the Bus.
type Event interface {
	Subject() string
}

// BaseEvent carries fields common to every event.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventTime time.Time `json:"event_time"`
}

// NewBase populates a BaseEvent with a fresh id and timestamp.
func NewBase() BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventTime: time.Now().UTC(),
	}
}

// CallDetail is the snapshot attached to a call's terminal event,
// suitable for detail records.
type CallDetail struct {
	CallID      string        `json:"call_id"`
	Direction   string        `json:"direction"`
	RemoteURI   string        `json:"remote_uri,omitempty"`
	RemoteParty string        `json:"remote_party,omitempty"`
	LocalParty  string        `json:"local_party,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	AnswerTime  time.Time     `json:"answer_time,omitempty"`
	EndTime     time.Time     `json:"end_time"`
	TalkTime    time.Duration `json:"talk_time"`
	Disposition string        `json:"disposition"`
	Reason      string        `json:"reason,omitempty"`
}

// CallStateEvent reports a call lifecycle transition. Kind is the subject
// suffix (created, ringing, established, held, retrieved, cleared, missed,
// removed).
type CallStateEvent struct {
	BaseEvent
	Manager     string      `json:"manager,omitempty"` // filled in by the hub
	CallID      string      `json:"call_id"`
	Kind        string      `json:"kind"`
	Direction   string      `json:"direction"`
	RemoteURI   string      `json:"remote_uri,omitempty"`
	RemoteParty string      `json:"remote_party,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Detail      *CallDetail `json:"detail,omitempty"`
}

// Subject implements Event.
func (e *CallStateEvent) Subject() string {
	return CallSubject(e.CallID, e.Kind)
}

// CallStreamEvent reports a media stream opening or closing.
type CallStreamEvent struct {
	BaseEvent
	Manager      string `json:"manager,omitempty"`
	CallID       string `json:"call_id"`
	StreamKind   string `json:"stream_kind"` // audio or video
	Codec        string `json:"codec,omitempty"`
	Transmitting bool   `json:"transmitting"`
	Open         bool   `json:"open"`
}

// Subject implements Event.
func (e *CallStreamEvent) Subject() string {
	return CallSubject(e.CallID, SubjectCallStream)
}

// CallStatsEvent carries one sampled set of quality figures.
type CallStatsEvent struct {
	BaseEvent
	Manager          string  `json:"manager,omitempty"`
	CallID           string  `json:"call_id"`
	RxBandwidthKBps  float64 `json:"rx_bandwidth_kbps"`
	TxBandwidthKBps  float64 `json:"tx_bandwidth_kbps"`
	JitterBufferMS   float64 `json:"jitter_buffer_ms"`
	LostRatio        float64 `json:"lost_ratio"`
	LateRatio        float64 `json:"late_ratio"`
	OutOfOrderRatio  float64 `json:"out_of_order_ratio"`
}

// Subject implements Event.
func (e *CallStatsEvent) Subject() string {
	return CallSubject(e.CallID, SubjectCallStats)
}

// AccountRegistrationEvent reports a registration state change for one
// account. Bank is filled in by the account hub on re-emission.
type AccountRegistrationEvent struct {
	BaseEvent
	Bank    string `json:"bank,omitempty"`
	AoR     string `json:"aor"`
	Account string `json:"account"`
	State   string `json:"state"`
	Info    string `json:"info,omitempty"`
}

// Subject implements Event.
func (e *AccountRegistrationEvent) Subject() string {
	return AccountSubject(e.AoR, SubjectAccountRegistration)
}

// AccountUpdatedEvent reports a field edit on an account.
type AccountUpdatedEvent struct {
	BaseEvent
	Bank    string `json:"bank,omitempty"`
	AoR     string `json:"aor"`
	Account string `json:"account"`
}

// Subject implements Event.
func (e *AccountUpdatedEvent) Subject() string {
	return AccountSubject(e.AoR, SubjectAccountUpdated)
}

// AccountRemovedEvent reports removal of an account from its bank.
type AccountRemovedEvent struct {
	BaseEvent
	Bank    string `json:"bank,omitempty"`
	AoR     string `json:"aor"`
	Account string `json:"account"`
}

// Subject implements Event.
func (e *AccountRemovedEvent) Subject() string {
	return AccountSubject(e.AoR, SubjectAccountRemoved)
}

// ManagerReadyEvent reports one call manager having finished startup.
type ManagerReadyEvent struct {
	BaseEvent
	Manager string `json:"manager"`
}

// Subject implements Event.
func (e *ManagerReadyEvent) Subject() string {
	return ManagerReadySubject(e.Manager)
}

// CoreReadyEvent fires once every registered manager has reported ready.
type CoreReadyEvent struct {
	BaseEvent
}

// Subject implements Event.
func (e *CoreReadyEvent) Subject() string {
	return SubjectCoreReady
}

// ErrorEvent carries a user-visible failure not tied to one call or
// account.
type ErrorEvent struct {
	BaseEvent
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Subject implements Event.
func (e *ErrorEvent) Subject() string {
	return SubjectCoreError
}
