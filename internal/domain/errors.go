package domain

import "errors"

// Call-side errors.
var (
	// ErrAlreadyInCall is returned when a call is initiated or received
	// while a non-terminal session exists.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrMediaUnavailable is returned when local media capability could
	// not be acquired before any signal was sent.
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrSignalDeliveryFailed is returned when a signal could not be
	// delivered after retry.
	ErrSignalDeliveryFailed = errors.New("signal delivery failed")

	// ErrConnectionFailed is returned when the peer connection reports
	// an unrecoverable failure.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrCallTimeout is returned when dialing or ringing exceeded the
	// configured wait without a terminal signal.
	ErrCallTimeout = errors.New("call timed out")

	// ErrInvalidTransition is returned when an intent is not valid in
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Message-side errors.
var (
	// ErrFetchFailed is returned when a history page could not be
	// fetched; accumulated state is left untouched.
	ErrFetchFailed = errors.New("message history fetch failed")

	// ErrStaleHandle is returned when resolving or failing an optimistic
	// send whose handle is no longer tracked.
	ErrStaleHandle = errors.New("stale send handle")
)
