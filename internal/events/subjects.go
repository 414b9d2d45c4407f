package events

import (
	"fmt"
	"strings"
)

// Subject naming conventions.
//
// Hierarchy:
//   callhub.calls.<call_id>.<event_suffix>     - Per-call events
//   callhub.accounts.<aor>.<event_suffix>      - Per-account events
//   callhub.managers.<name>.ready              - Manager readiness
//   callhub.core.ready                         - Hub-level readiness
//   callhub.core.error                         - Hub-level error reports
//
// Wildcard subscriptions:
//   callhub.calls.>                            - All call events
//   callhub.calls.*.cleared                    - All call.cleared events
//   callhub.calls.<call_id>.>                  - All events for one call

const (
	// SubjectPrefix is the root of all callhub subjects
	SubjectPrefix = "callhub"

	// Call event subjects
	SubjectCalls           = SubjectPrefix + ".calls"
	SubjectCallCreated     = "created"
	SubjectCallRinging     = "ringing"
	SubjectCallEstablished = "established"
	SubjectCallHeld        = "held"
	SubjectCallRetrieved   = "retrieved"
	SubjectCallStream      = "stream"
	SubjectCallStats       = "stats"
	SubjectCallCleared     = "cleared"
	SubjectCallMissed      = "missed"
	SubjectCallRemoved     = "removed"

	// Account event subjects
	SubjectAccounts            = SubjectPrefix + ".accounts"
	SubjectAccountRegistration = "registration"
	SubjectAccountUpdated      = "updated"
	SubjectAccountRemoved      = "removed"

	// Manager / hub subjects
	SubjectManagers  = SubjectPrefix + ".managers"
	SubjectCoreReady = SubjectPrefix + ".core.ready"
	SubjectCoreError = SubjectPrefix + ".core.error"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "cleared") => "callhub.calls.abc-123.cleared"
func CallSubject(callID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, callID, eventSuffix)
}

// AccountSubject builds a subject for a specific account event. Dots in
// the address-of-record are folded to underscores so the AoR stays a
// single subject token.
// Example: AccountSubject("sip:alice@example.com", "registration")
//   => "callhub.accounts.sip:alice@example_com.registration"
func AccountSubject(aor string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAccounts, TokenizeAoR(aor), eventSuffix)
}

// TokenizeAoR folds an address-of-record into a single subject token.
func TokenizeAoR(aor string) string {
	return strings.ReplaceAll(aor, ".", "_")
}

// ManagerReadySubject builds the readiness subject for one manager.
func ManagerReadySubject(name string) string {
	return fmt.Sprintf("%s.%s.ready", SubjectManagers, name)
}
