package account

import "fmt"

// RegistrationState is the closed set of registration outcomes. Unlike a
// call's terminal states, Registered and Unregistered can be exited again
// by a later attempt while the account stays enabled and alive.
type RegistrationState int

const (
	// StateUnregistered means no registration is active
	StateUnregistered RegistrationState = iota
	// StateProcessing means an attempt is in flight
	StateProcessing
	// StateRegistered means the registrar accepted us
	StateRegistered
	// StateRegistrationFailed means the last register attempt failed
	StateRegistrationFailed
	// StateUnregistrationFailed means the last unregister attempt failed
	StateUnregistrationFailed
)

// String returns the string representation of the state
func (s RegistrationState) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateProcessing:
		return "Processing"
	case StateRegistered:
		return "Registered"
	case StateRegistrationFailed:
		return "RegistrationFailed"
	case StateUnregistrationFailed:
		return "UnregistrationFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// validTransitions defines the observable registration sequences
var validTransitions = map[RegistrationState][]RegistrationState{
	StateUnregistered:         {StateProcessing},
	StateProcessing:           {StateRegistered, StateUnregistered, StateRegistrationFailed, StateUnregistrationFailed},
	StateRegistered:           {StateProcessing},
	StateRegistrationFailed:   {StateProcessing},
	StateUnregistrationFailed: {StateProcessing},
}

// CanTransitionTo checks if moving from the current state to next is valid
func (s RegistrationState) CanTransitionTo(next RegistrationState) bool {
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
