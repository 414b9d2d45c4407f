package call

import "fmt"

// State represents the lifecycle state of a call
type State int

const (
	// StateCreated is the initial state before the engine reports setup
	StateCreated State = iota
	// StateSetup is after the engine reported a new session
	StateSetup
	// StateAlerting is while the remote party is ringing (outbound legs)
	StateAlerting
	// StateEstablished is after the connection came up
	StateEstablished
	// StateHeld is an established call placed on hold
	StateHeld
	// StateCleared is the terminal state of a call that was connected or
	// locally refused
	StateCleared
	// StateMissed is the terminal state of a call that was never
	// connected and not locally rejected
	StateMissed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateSetup:
		return "Setup"
	case StateAlerting:
		return "Alerting"
	case StateEstablished:
		return "Established"
	case StateHeld:
		return "Held"
	case StateCleared:
		return "Cleared"
	case StateMissed:
		return "Missed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateCreated:     {StateSetup, StateCleared, StateMissed},
	StateSetup:       {StateAlerting, StateEstablished, StateCleared, StateMissed},
	StateAlerting:    {StateEstablished, StateCleared, StateMissed},
	StateEstablished: {StateHeld, StateCleared},
	StateHeld:        {StateEstablished, StateCleared},
	StateCleared:     {}, // Terminal, no transitions allowed
	StateMissed:      {}, // Terminal, no transitions allowed
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateCleared || s == StateMissed
}

// Direction says which side initiated the call
type Direction int

const (
	// DirectionOutgoing is a call we placed
	DirectionOutgoing Direction = iota
	// DirectionIncoming is a call the remote party placed
	DirectionIncoming
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	default:
		return fmt.Sprintf("Unknown(%d)", int(d))
	}
}

// ClearReason is the closed taxonomy of human-readable clearing reasons
type ClearReason int

const (
	// ReasonLocalCleared means the local user ended the call
	ReasonLocalCleared ClearReason = iota
	// ReasonRemoteCleared means the remote party ended the call
	ReasonRemoteCleared
	// ReasonBusy means the called party was busy
	ReasonBusy
	// ReasonRejected means the call was refused
	ReasonRejected
	// ReasonNoAnswer means nobody answered in time
	ReasonNoAnswer
	// ReasonTransportFailure means the signalling transport broke down
	ReasonTransportFailure
	// ReasonCodecMismatch means no common media format could be agreed
	ReasonCodecMismatch
	// ReasonForwarded means the call was redirected to another party
	ReasonForwarded
	// ReasonSecurityFailure means authentication or encryption failed
	ReasonSecurityFailure
	// ReasonUnknown covers causes outside the taxonomy
	ReasonUnknown
)

// String returns the human-readable clearing reason
func (r ClearReason) String() string {
	switch r {
	case ReasonLocalCleared:
		return "Call cleared locally"
	case ReasonRemoteCleared:
		return "Remote party cleared the call"
	case ReasonBusy:
		return "Remote party was busy"
	case ReasonRejected:
		return "Call was rejected"
	case ReasonNoAnswer:
		return "Call was not answered in time"
	case ReasonTransportFailure:
		return "Transport failure"
	case ReasonCodecMismatch:
		return "No common media format"
	case ReasonForwarded:
		return "Call was forwarded"
	case ReasonSecurityFailure:
		return "Security check failed"
	default:
		return "Call ended"
	}
}
