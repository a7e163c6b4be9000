package domain

import (
	"time"

	"github.com/google/uuid"
)

// Signal types exchanged over the signaling channel.
const (
	SignalTypeOffer   = "offer"
	SignalTypeAnswer  = "answer"
	SignalTypeICE     = "ice_candidate"
	SignalTypeRinging = "ringing"
	SignalTypeDecline = "decline"
	SignalTypeCancel  = "cancel"
	SignalTypeEnd     = "end"
	SignalTypeBusy    = "busy"

	// Mid-call renegotiation (e.g. audio call upgraded to video).
	SignalTypeRenegotiateOffer  = "renegotiate_offer"
	SignalTypeRenegotiateAnswer = "renegotiate_answer"
)

// Signal is a canonical signaling message. SDP carries offer/answer
// payloads, Candidate carries ICE candidates.
type Signal struct {
	Type      string                 `json:"type"`
	CallID    uuid.UUID              `json:"call_id"`
	SenderID  uuid.UUID              `json:"sender_id,omitempty"`
	TargetID  uuid.UUID              `json:"target_id,omitempty"`
	Media     MediaType              `json:"media,omitempty"`
	SDP       string                 `json:"sdp,omitempty"`
	Candidate map[string]interface{} `json:"candidate,omitempty"`
	Reason    EndReason              `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
