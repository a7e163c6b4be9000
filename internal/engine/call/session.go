package call

import (
	"time"

	"cargolink-comms/internal/domain"
)

// session is the engine's private state for one call attempt. The
// embedded CallSession is what Snapshot and events expose.
type session struct {
	domain.CallSession

	// epoch identifies this session across async continuations; a
	// continuation whose epoch no longer matches is stale and must be
	// discarded.
	epoch uint64

	peer PeerConnection

	// pendingSignal is the last unacknowledged offer/answer owned by
	// this session; cleared once acknowledged or superseded.
	pendingSignal *domain.Signal

	// pendingOffer holds the remote offer SDP for a receiver-side
	// session until Accept generates the answer.
	pendingOffer string

	// answerTimer bounds the dialing/ringing wait.
	answerTimer *time.Timer

	// lingerTimer clears a terminal session after the display grace
	// period.
	lingerTimer *time.Timer

	renegotiating bool
}

// validTransitions enumerates the allowed state machine edges. Any
// transition not listed here is a programming error and is rejected.
var validTransitions = map[domain.CallState][]domain.CallState{
	// An answer can land while the offer send is still in flight, so
	// dialing may jump straight to connecting without a ringing ack.
	domain.CallStateDialing:    {domain.CallStateRinging, domain.CallStateConnecting, domain.CallStateEnding, domain.CallStateEnded, domain.CallStateFailed},
	domain.CallStateRinging:    {domain.CallStateRinging, domain.CallStateConnecting, domain.CallStateEnding, domain.CallStateEnded, domain.CallStateFailed},
	domain.CallStateConnecting: {domain.CallStateActive, domain.CallStateEnding, domain.CallStateEnded, domain.CallStateFailed},
	domain.CallStateActive:     {domain.CallStateEnding, domain.CallStateFailed},
	domain.CallStateEnding:     {domain.CallStateEnded, domain.CallStateFailed},
}

func canTransition(from, to domain.CallState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *session) stopTimers() {
	if s.answerTimer != nil {
		s.answerTimer.Stop()
		s.answerTimer = nil
	}
}

// record converts the session to its directory representation.
func (s *session) record() domain.CallRecord {
	rec := domain.CallRecord{
		CallID:    s.CallID,
		CallerID:  s.CallerID,
		CalleeID:  s.CalleeID,
		Media:     s.Media,
		State:     s.State,
		Reason:    s.Reason,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
	if s.EndedAt != nil && s.ConnectedAt != nil {
		rec.Duration = int(s.EndedAt.Sub(*s.ConnectedAt) / time.Second)
	}
	return rec
}
