package domain

import (
	"time"

	"github.com/google/uuid"
)

// MediaType is the kind of media a call carries.
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// CallRole is fixed when a session starts and determines whether this
// side produces the offer or the answer.
type CallRole string

const (
	CallRoleInitiator CallRole = "initiator"
	CallRoleReceiver  CallRole = "receiver"
)

// CallState is the UI-visible lifecycle state of a call session.
type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateDialing    CallState = "dialing"
	CallStateRinging    CallState = "ringing"
	CallStateConnecting CallState = "connecting"
	CallStateActive     CallState = "active"
	CallStateEnding     CallState = "ending"
	CallStateEnded      CallState = "ended"
	CallStateFailed     CallState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// EndReason explains why a call reached a terminal state.
type EndReason string

const (
	EndReasonHangup    EndReason = "hangup"
	EndReasonDeclined  EndReason = "declined"
	EndReasonCancelled EndReason = "cancelled"
	EndReasonTimeout   EndReason = "timeout"
	EndReasonBusy      EndReason = "busy"
	EndReasonError     EndReason = "error"
)

// CallSession is the snapshot of one call attempt as seen by the UI.
type CallSession struct {
	CallID      uuid.UUID  `json:"call_id"`
	CallerID    uuid.UUID  `json:"caller_id"`
	CalleeID    uuid.UUID  `json:"callee_id"`
	Media       MediaType  `json:"media"`
	Role        CallRole   `json:"role"`
	State       CallState  `json:"state"`
	Reason      EndReason  `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	AudioOn     bool       `json:"audio_on"`
	VideoOn     bool       `json:"video_on"`
	SpeakerOn   bool       `json:"speaker_on"`
}

// CallRecord is the directory's view of a call: display metadata kept
// apart from the signaling transport.
type CallRecord struct {
	CallID    uuid.UUID  `json:"call_id"`
	CallerID  uuid.UUID  `json:"caller_id"`
	CalleeID  uuid.UUID  `json:"callee_id"`
	Media     MediaType  `json:"media"`
	State     CallState  `json:"state"`
	Reason    EndReason  `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  int        `json:"duration,omitempty"` // in seconds
}
