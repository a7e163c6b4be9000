package call

import "cargolink-comms/internal/domain"

// EventKind discriminates engine events delivered to subscribers.
type EventKind string

const (
	// EventStateChanged fires on every call state transition.
	EventStateChanged EventKind = "state_changed"

	// EventIncomingCall fires when a remote offer created a new ringing
	// session on this side.
	EventIncomingCall EventKind = "incoming_call"

	// EventDegradedMedia fires when the transport degrades during an
	// active call; the call itself stays up.
	EventDegradedMedia EventKind = "degraded_media"

	// EventRenegotiationFailed fires when a mid-call media upgrade
	// exchange failed; the call stays active.
	EventRenegotiationFailed EventKind = "renegotiation_failed"

	// EventCallError fires for locally-recoverable failures that
	// happened before any signal reached the remote party.
	EventCallError EventKind = "call_error"
)

// Event is one observable occurrence in a call session's life. Session
// is a value copy taken at emission time.
type Event struct {
	Kind    EventKind
	Session domain.CallSession
	Err     error
}
