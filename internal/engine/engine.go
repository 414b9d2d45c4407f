// Package engine defines the contract between the coordination core and
// the wire-level protocol engine. The engine performs actual signalling,
// codec negotiation and media transport; this package only names the
// commands the core may issue and the callbacks the engine delivers.
package engine

import (
	"context"
	"fmt"
)

// StreamKind identifies a media stream within a call.
type StreamKind int

const (
	// StreamAudio is the audio stream
	StreamAudio StreamKind = iota
	// StreamVideo is the video stream
	StreamVideo
)

// String returns the string representation of the stream kind.
func (k StreamKind) String() string {
	switch k {
	case StreamAudio:
		return "audio"
	case StreamVideo:
		return "video"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// DTMFMode selects how DTMF digits are transported.
type DTMFMode int

const (
	// DTMFRFC2833 sends digits as RTP telephone-events
	DTMFRFC2833 DTMFMode = iota
	// DTMFSignal sends digits in the signalling channel
	DTMFSignal
	// DTMFInband sends digits as audio tones
	DTMFInband
)

// ReleaseCause explains why the engine released a connection.
type ReleaseCause int

const (
	// CauseLocalCleared means this side hung up
	CauseLocalCleared ReleaseCause = iota
	// CauseRemoteCleared means the remote party hung up
	CauseRemoteCleared
	// CauseBusy means the remote (or local policy) reported busy
	CauseBusy
	// CauseRejected means the call was refused
	CauseRejected
	// CauseNoAnswer means nobody answered in time
	CauseNoAnswer
	// CauseTransportFail means the signalling transport broke down
	CauseTransportFail
	// CauseCodecMismatch means no common media format was found
	CauseCodecMismatch
	// CauseForwarded means the call was redirected elsewhere
	CauseForwarded
	// CauseSecurityFail means authentication or encryption failed
	CauseSecurityFail
	// CauseUnknown covers everything else
	CauseUnknown
)

// String returns the string representation of the cause.
func (c ReleaseCause) String() string {
	switch c {
	case CauseLocalCleared:
		return "LocalCleared"
	case CauseRemoteCleared:
		return "RemoteCleared"
	case CauseBusy:
		return "Busy"
	case CauseRejected:
		return "Rejected"
	case CauseNoAnswer:
		return "NoAnswer"
	case CauseTransportFail:
		return "TransportFail"
	case CauseCodecMismatch:
		return "CodecMismatch"
	case CauseForwarded:
		return "Forwarded"
	case CauseSecurityFail:
		return "SecurityFail"
	default:
		return "Unknown"
	}
}

// CounterDelta is one batch of raw transport counters reported by the
// engine for a single stream.
type CounterDelta struct {
	Bytes      uint64
	Packets    uint64
	Lost       uint64
	Late       uint64
	OutOfOrder uint64
	JitterMS   float64
}

// MediaSettings are the run-time media parameters the core pushes down
// to open streams.
type MediaSettings struct {
	JitterBufferMS   int
	EchoCancellation bool
	SilenceDetection bool
}

// RegistrationParams carries one register/unregister request.
type RegistrationParams struct {
	AoR         string
	Host        string
	User        string
	AuthUser    string
	Password    string
	TimeoutSecs int
	Unregister  bool
}

// Events is implemented by the endpoint owning the calls of one
// protocol. The engine invokes these callbacks from its own goroutines;
// implementations must not block.
type Events interface {
	// OnSetup reports a new session, inbound or outbound.
	OnSetup(token, remoteURI, remoteName, remoteApp string, incoming bool)
	// OnAlerting reports that the remote party is ringing (outbound legs).
	OnAlerting(token string)
	// OnEstablished reports that the connection is up.
	OnEstablished(token string)
	// OnReleased reports that the connection ended.
	OnReleased(token string, cause ReleaseCause)
	// OnHoldChanged reports a hold/retrieve from either side.
	OnHoldChanged(token string, held bool)
	// OnMediaStreamOpened reports a media stream starting.
	OnMediaStreamOpened(token string, kind StreamKind, codec string, transmitting bool)
	// OnMediaStreamClosed reports a media stream ending.
	OnMediaStreamClosed(token string, kind StreamKind, transmitting bool)
	// OnMediaCounters delivers raw transport counters for an open stream.
	OnMediaCounters(token string, kind StreamKind, transmitting bool, delta CounterDelta)
	// OnRegistered reports a completed registration or unregistration.
	OnRegistered(aor string, unregistered bool)
	// OnRegistrationFailed reports a failed attempt.
	OnRegistrationFailed(aor string, unregistered bool, reason string)
}

// Driver is the command surface of one protocol engine instance.
type Driver interface {
	// Protocol returns the wire protocol name ("sip", "h323").
	Protocol() string
	// SupportedCodecs lists the media formats the engine can negotiate.
	SupportedCodecs() []string
	// Bind attaches the callback sink. Must be called before any command.
	Bind(events Events)

	// PlaceCall starts an outbound session and returns its token.
	PlaceCall(uri string) (string, error)
	// AnswerCall accepts an inbound session.
	AnswerCall(token string) error
	// ClearCall releases a session with the given cause.
	ClearCall(token string, cause ReleaseCause) error
	// TransferCall redirects a session to another URI.
	TransferCall(token, uri string) error
	// HoldCall places a session on hold or retrieves it.
	HoldCall(token string, hold bool) error
	// PauseStream pauses or resumes one direction of a media stream.
	PauseStream(token string, kind StreamKind, transmitting, paused bool) error
	// SendDTMF emits one digit on an established session.
	SendDTMF(token string, digit byte) error
	// SetDTMFMode selects the DTMF transport for future calls.
	SetDTMFMode(mode DTMFMode) error

	// SetCodecOrder pushes the encode/decode preference order and the
	// disabled mask down to the engine.
	SetCodecOrder(enabled, disabled []string) error
	// ApplyMediaSettings re-configures the open streams of a session.
	ApplyMediaSettings(token string, s MediaSettings) error

	// StartListener binds the signalling listener to the interface/port.
	StartListener(iface string, port int) error

	// Register issues one registration (or removal) request. A nil error
	// means the request went out; the outcome arrives via OnRegistered or
	// OnRegistrationFailed.
	Register(ctx context.Context, p RegistrationParams) error
}
