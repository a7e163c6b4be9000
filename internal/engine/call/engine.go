// Package call implements the call session engine: the state machine
// that drives WebRTC offer/answer/ICE exchange over an injected
// signaling transport and maps it to UI-visible call states. The engine
// owns at most one non-terminal session at a time.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/metrics"
)

// SignalSender delivers signaling messages to the remote party. The
// concrete implementation is the websocket transport adapter.
type SignalSender interface {
	SendSignal(ctx context.Context, sig domain.Signal) error
	IsConnected() bool
}

// PeerState mirrors the connection state reported by the
// peer-connection capability.
type PeerState int

const (
	PeerStateNew PeerState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
	PeerStateClosed
)

// PeerConnection is the ICE/SDP capability the engine consumes. The
// pion-backed adapter in internal/rtc implements it; tests use fakes.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context, offerSDP string) (sdp string, err error)
	SetRemoteDescription(ctx context.Context, sdp string) error
	AddICECandidate(candidate map[string]interface{}) error
	OnStateChange(fn func(PeerState))
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// PeerFactory acquires local media and produces a peer connection for
// one call. Acquisition failure surfaces as ErrMediaUnavailable before
// any signal is sent.
type PeerFactory interface {
	NewPeer(media domain.MediaType) (PeerConnection, error)
}

// Recorder receives call metadata updates; the call directory
// implements it.
type Recorder interface {
	Record(rec domain.CallRecord)
}

// Config carries the engine's timing policy. The original clients used
// scattered magic numbers for these; they are deliberately configurable
// here.
type Config struct {
	// AnswerTimeout bounds the dialing/ringing wait before the session
	// auto-ends with reason timeout.
	AnswerTimeout time.Duration

	// SignalRetryBackoff is the wait before the single signal-send
	// retry.
	SignalRetryBackoff time.Duration

	// TerminalLinger keeps a terminal session visible before the engine
	// returns to idle.
	TerminalLinger time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AnswerTimeout:      45 * time.Second,
		SignalRetryBackoff: 500 * time.Millisecond,
		TerminalLinger:     3 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = def.AnswerTimeout
	}
	if c.SignalRetryBackoff <= 0 {
		c.SignalRetryBackoff = def.SignalRetryBackoff
	}
	if c.TerminalLinger <= 0 {
		c.TerminalLinger = def.TerminalLinger
	}
}

// Engine drives one call session at a time. It is explicitly
// constructed and injectable; consumers hold a reference rather than a
// package-level singleton.
type Engine struct {
	cfg      Config
	localID  uuid.UUID
	sender   SignalSender
	peers    PeerFactory
	recorder Recorder

	mu        sync.Mutex
	sess      *session
	nextEpoch uint64
	listeners []func(Event)
	disposed  bool
}

// NewEngine creates a call session engine. recorder may be nil.
func NewEngine(localID uuid.UUID, sender SignalSender, peers PeerFactory, recorder Recorder, cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		cfg:      cfg,
		localID:  localID,
		sender:   sender,
		peers:    peers,
		recorder: recorder,
	}
}

// Notify registers a listener for engine events. Listeners are invoked
// outside the engine lock; re-entrant intent calls are allowed.
func (e *Engine) Notify(fn func(Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Snapshot returns the current session, if any.
func (e *Engine) Snapshot() (domain.CallSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return domain.CallSession{}, false
	}
	return e.sess.CallSession, true
}

// Dispose stops timers and tears down any live session without
// signaling the remote party. Used on engine shutdown.
func (e *Engine) Dispose() {
	e.mu.Lock()
	e.disposed = true
	if e.sess != nil {
		e.sess.stopTimers()
		if e.sess.lingerTimer != nil {
			e.sess.lingerTimer.Stop()
		}
		if e.sess.peer != nil {
			_ = e.sess.peer.Close()
		}
		e.sess = nil
	}
	e.mu.Unlock()
}

// Initiate starts an outbound call to calleeID. Local media must be
// acquirable up front; a factory failure aborts before any signal is
// sent.
func (e *Engine) Initiate(ctx context.Context, calleeID uuid.UUID, media domain.MediaType) (domain.CallSession, error) {
	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		return domain.CallSession{}, domain.ErrAlreadyInCall
	}
	e.mu.Unlock()

	// Acquire media outside the lock; this can prompt the user.
	peer, err := e.peers.NewPeer(media)
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		_ = peer.Close()
		return domain.CallSession{}, domain.ErrAlreadyInCall
	}
	s := e.newSessionLocked(uuid.New(), e.localID, calleeID, media, domain.CallRoleInitiator, domain.CallStateDialing)
	s.peer = peer
	epoch := s.epoch
	peer.OnStateChange(func(st PeerState) { e.onPeerState(epoch, st) })
	s.answerTimer = time.AfterFunc(e.cfg.AnswerTimeout, func() { e.onAnswerTimeout(epoch) })
	snap := s.CallSession
	e.recordLocked(s)
	e.mu.Unlock()

	e.emit(Event{Kind: EventStateChanged, Session: snap})
	go e.runOutboundOffer(ctx, epoch)
	return snap, nil
}

// ReceiveIncoming creates a ringing receiver-side session from a remote
// offer. A second incoming call while one is live is auto-declined with
// reason busy.
func (e *Engine) ReceiveIncoming(sig domain.Signal) (domain.CallSession, error) {
	e.mu.Lock()
	if e.busyLocked() {
		e.mu.Unlock()
		// Best-effort busy signal; the caller sees a decline.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.sender.SendSignal(ctx, domain.Signal{
				Type:      domain.SignalTypeBusy,
				CallID:    sig.CallID,
				SenderID:  e.localID,
				TargetID:  sig.SenderID,
				Reason:    domain.EndReasonBusy,
				Timestamp: time.Now(),
			})
		}()
		return domain.CallSession{}, domain.ErrAlreadyInCall
	}

	s := e.newSessionLocked(sig.CallID, sig.SenderID, e.localID, sig.Media, domain.CallRoleReceiver, domain.CallStateRinging)
	s.pendingOffer = sig.SDP
	epoch := s.epoch
	s.answerTimer = time.AfterFunc(e.cfg.AnswerTimeout, func() { e.onAnswerTimeout(epoch) })
	snap := s.CallSession
	e.recordLocked(s)
	e.mu.Unlock()

	e.emit(Event{Kind: EventIncomingCall, Session: snap})
	return snap, nil
}

// Accept answers a ringing incoming call.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.State != domain.CallStateRinging || s.Role != domain.CallRoleReceiver {
		e.mu.Unlock()
		return fmt.Errorf("%w: accept in state %s", domain.ErrInvalidTransition, e.stateLocked())
	}
	offer := s.pendingOffer
	media := s.Media
	epoch := s.epoch
	e.mu.Unlock()

	peer, err := e.peers.NewPeer(media)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	e.mu.Lock()
	s = e.sess
	if s == nil || s.epoch != epoch || s.State != domain.CallStateRinging {
		e.mu.Unlock()
		_ = peer.Close()
		return fmt.Errorf("%w: session changed during accept", domain.ErrInvalidTransition)
	}
	s.peer = peer
	peer.OnStateChange(func(st PeerState) { e.onPeerState(epoch, st) })
	evs := e.transitionLocked(s, domain.CallStateConnecting, "")
	e.mu.Unlock()
	e.emit(evs...)

	go e.runAnswer(ctx, epoch, offer)
	return nil
}

// Decline rejects a ringing incoming call.
func (e *Engine) Decline(reason domain.EndReason) error {
	if reason == "" {
		reason = domain.EndReasonDeclined
	}
	return e.terminate(domain.SignalTypeDecline, reason, domain.CallStateRinging)
}

// Cancel withdraws an outbound call that has not been answered.
func (e *Engine) Cancel() error {
	return e.terminate(domain.SignalTypeCancel, domain.EndReasonCancelled, domain.CallStateDialing, domain.CallStateRinging)
}

// End hangs up. Valid in any non-terminal state; the termination signal
// is best-effort and never blocks local teardown.
func (e *Engine) End() error {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.State.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: end with no live call", domain.ErrInvalidTransition)
	}
	e.sendTerminationLocked(s, domain.SignalTypeEnd, domain.EndReasonHangup)
	evs := e.transitionLocked(s, domain.CallStateEnding, domain.EndReasonHangup)
	evs = append(evs, e.finishLocked(s, domain.CallStateEnded, domain.EndReasonHangup)...)
	e.mu.Unlock()
	e.emit(evs...)
	return nil
}

// ToggleAudio flips the local audio track. Side effect only; no state
// transition.
func (e *Engine) ToggleAudio() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	if s == nil || s.peer == nil {
		return false
	}
	s.AudioOn = !s.AudioOn
	s.peer.SetAudioEnabled(s.AudioOn)
	return s.AudioOn
}

// ToggleVideo flips the local video track.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sess
	if s == nil || s.peer == nil {
		return false
	}
	s.VideoOn = !s.VideoOn
	s.peer.SetVideoEnabled(s.VideoOn)
	return s.VideoOn
}

// ToggleSpeaker flips the speaker route flag. Routing itself is a
// platform concern; the engine only tracks the state.
func (e *Engine) ToggleSpeaker() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return false
	}
	e.sess.SpeakerOn = !e.sess.SpeakerOn
	return e.sess.SpeakerOn
}

// UpgradeMedia starts a renegotiation sub-exchange inside an active
// call (audio upgraded to video). The top-level state never changes; on
// failure the call stays active and a RenegotiationFailed event fires.
func (e *Engine) UpgradeMedia(ctx context.Context, media domain.MediaType) error {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.State != domain.CallStateActive {
		e.mu.Unlock()
		return fmt.Errorf("%w: upgrade in state %s", domain.ErrInvalidTransition, e.stateLocked())
	}
	if s.renegotiating {
		e.mu.Unlock()
		return fmt.Errorf("%w: renegotiation already in progress", domain.ErrInvalidTransition)
	}
	s.renegotiating = true
	epoch := s.epoch
	e.mu.Unlock()

	go e.runRenegotiation(ctx, epoch, media)
	return nil
}

// HandleRemoteSignal routes one inbound canonical signal to the current
// session. Offers for a new call are routed to ReceiveIncoming.
func (e *Engine) HandleRemoteSignal(sig domain.Signal) {
	if sig.Type == domain.SignalTypeOffer {
		if _, err := e.ReceiveIncoming(sig); err != nil {
			logger.Warn("incoming call rejected",
				zap.String("call_id", sig.CallID.String()),
				zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	s := e.sess
	if s == nil || s.CallID != sig.CallID || s.State.Terminal() {
		e.mu.Unlock()
		logger.Debug("stale signal discarded", zap.String("type", sig.Type))
		return
	}

	var evs []Event
	switch sig.Type {
	case domain.SignalTypeRinging:
		if s.State == domain.CallStateDialing {
			evs = e.transitionLocked(s, domain.CallStateRinging, "")
		}

	case domain.SignalTypeAnswer:
		if s.Role != domain.CallRoleInitiator || (s.State != domain.CallStateDialing && s.State != domain.CallStateRinging) {
			break
		}
		s.pendingSignal = nil
		evs = e.transitionLocked(s, domain.CallStateConnecting, "")
		epoch := s.epoch
		sdp := sig.SDP
		go e.applyRemoteDescription(epoch, sdp)

	case domain.SignalTypeICE:
		if s.peer != nil {
			if err := s.peer.AddICECandidate(sig.Candidate); err != nil {
				logger.Warn("ice candidate rejected", zap.Error(err))
			}
		}

	case domain.SignalTypeDecline, domain.SignalTypeBusy:
		if s.State == domain.CallStateDialing || s.State == domain.CallStateRinging {
			reason := domain.EndReasonDeclined
			if sig.Type == domain.SignalTypeBusy {
				reason = domain.EndReasonBusy
			}
			evs = e.finishLocked(s, domain.CallStateEnded, reason)
		}

	case domain.SignalTypeCancel:
		if s.State == domain.CallStateRinging || s.State == domain.CallStateDialing {
			evs = e.finishLocked(s, domain.CallStateEnded, domain.EndReasonCancelled)
		}

	case domain.SignalTypeEnd:
		evs = e.transitionLocked(s, domain.CallStateEnding, domain.EndReasonHangup)
		evs = append(evs, e.finishLocked(s, domain.CallStateEnded, domain.EndReasonHangup)...)

	case domain.SignalTypeRenegotiateOffer:
		if s.State == domain.CallStateActive && s.peer != nil {
			epoch := s.epoch
			sdp := sig.SDP
			go e.answerRenegotiation(epoch, sdp)
		}

	case domain.SignalTypeRenegotiateAnswer:
		if s.State == domain.CallStateActive && s.peer != nil {
			epoch := s.epoch
			sdp := sig.SDP
			go e.applyRemoteDescription(epoch, sdp)
		}

	default:
		logger.Debug("unknown signal type ignored", zap.String("type", sig.Type))
	}
	e.mu.Unlock()
	e.emit(evs...)
}

// --- internals ---

func (e *Engine) busyLocked() bool {
	return e.sess != nil && !e.sess.State.Terminal()
}

func (e *Engine) stateLocked() domain.CallState {
	if e.sess == nil {
		return domain.CallStateIdle
	}
	return e.sess.State
}

func (e *Engine) newSessionLocked(callID, callerID, calleeID uuid.UUID, media domain.MediaType, role domain.CallRole, state domain.CallState) *session {
	// A lingering terminal session is replaced outright.
	if e.sess != nil && e.sess.lingerTimer != nil {
		e.sess.lingerTimer.Stop()
	}
	e.nextEpoch++
	s := &session{
		CallSession: domain.CallSession{
			CallID:    callID,
			CallerID:  callerID,
			CalleeID:  calleeID,
			Media:     media,
			Role:      role,
			State:     state,
			StartedAt: time.Now(),
			AudioOn:   true,
			VideoOn:   media == domain.MediaTypeVideo,
		},
		epoch: e.nextEpoch,
	}
	e.sess = s
	return s
}

// transitionLocked moves the session to a new state, enforcing the
// transition table, and returns the events to emit after unlock.
func (e *Engine) transitionLocked(s *session, to domain.CallState, reason domain.EndReason) []Event {
	if s.State == to {
		return nil
	}
	if !canTransition(s.State, to) {
		logger.Error("transition rejected",
			zap.String("from", string(s.State)),
			zap.String("to", string(to)))
		return nil
	}
	metrics.CallTransitionsTotal.WithLabelValues(string(s.State), string(to)).Inc()
	s.State = to
	if reason != "" {
		s.Reason = reason
	}
	switch to {
	case domain.CallStateConnecting, domain.CallStateActive:
		s.stopTimers()
		if to == domain.CallStateActive {
			now := time.Now()
			s.ConnectedAt = &now
			s.pendingSignal = nil
		}
	}
	e.recordLocked(s)
	return []Event{{Kind: EventStateChanged, Session: s.CallSession}}
}

// finishLocked drives the session to a terminal state, closes the peer
// and schedules the linger cleanup.
func (e *Engine) finishLocked(s *session, terminal domain.CallState, reason domain.EndReason) []Event {
	if s.State.Terminal() {
		return nil
	}
	s.stopTimers()
	if s.peer != nil {
		_ = s.peer.Close()
	}
	now := time.Now()
	s.EndedAt = &now
	evs := e.transitionLocked(s, terminal, reason)
	epoch := s.epoch
	s.lingerTimer = time.AfterFunc(e.cfg.TerminalLinger, func() { e.clearTerminal(epoch) })
	return evs
}

func (e *Engine) clearTerminal(epoch uint64) {
	e.mu.Lock()
	if e.sess != nil && e.sess.epoch == epoch && e.sess.State.Terminal() {
		e.sess = nil
	}
	e.mu.Unlock()
}

func (e *Engine) recordLocked(s *session) {
	if e.recorder != nil {
		e.recorder.Record(s.record())
	}
}

func (e *Engine) emit(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	e.mu.Lock()
	listeners := make([]func(Event), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, ev := range evs {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// terminate is the shared path for Decline and Cancel.
func (e *Engine) terminate(sigType string, reason domain.EndReason, validIn ...domain.CallState) error {
	e.mu.Lock()
	s := e.sess
	if s == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: no live call", domain.ErrInvalidTransition)
	}
	ok := false
	for _, st := range validIn {
		if s.State == st {
			ok = true
			break
		}
	}
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", domain.ErrInvalidTransition, sigType, s.State)
	}
	e.sendTerminationLocked(s, sigType, reason)
	evs := e.finishLocked(s, domain.CallStateEnded, reason)
	e.mu.Unlock()
	e.emit(evs...)
	return nil
}

// sendTerminationLocked fires the termination signal without waiting
// for transport acknowledgment.
func (e *Engine) sendTerminationLocked(s *session, sigType string, reason domain.EndReason) {
	sig := domain.Signal{
		Type:      sigType,
		CallID:    s.CallID,
		SenderID:  e.localID,
		TargetID:  e.remoteParty(s),
		Reason:    reason,
		Timestamp: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.sender.SendSignal(ctx, sig); err != nil {
			logger.Warn("termination signal not delivered",
				zap.String("call_id", sig.CallID.String()),
				zap.Error(err))
		}
	}()
}

func (e *Engine) remoteParty(s *session) uuid.UUID {
	if s.Role == domain.CallRoleInitiator {
		return s.CalleeID
	}
	return s.CallerID
}

// runOutboundOffer creates and delivers the offer for an
// initiator-side session.
func (e *Engine) runOutboundOffer(ctx context.Context, epoch uint64) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch {
		e.mu.Unlock()
		return
	}
	peer := s.peer
	sig := domain.Signal{
		Type:      domain.SignalTypeOffer,
		CallID:    s.CallID,
		SenderID:  e.localID,
		TargetID:  s.CalleeID,
		Media:     s.Media,
		Timestamp: time.Now(),
	}
	e.mu.Unlock()

	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		// No signal has left this device; recover locally to idle.
		e.mu.Lock()
		var evs []Event
		if s := e.sess; s != nil && s.epoch == epoch {
			s.stopTimers()
			_ = s.peer.Close()
			e.sess = nil
			evs = []Event{{Kind: EventCallError, Err: fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)}}
		}
		e.mu.Unlock()
		e.emit(evs...)
		return
	}
	sig.SDP = sdp

	e.mu.Lock()
	if s := e.sess; s != nil && s.epoch == epoch {
		s.pendingSignal = &sig
	}
	e.mu.Unlock()

	if err := e.sendWithRetry(ctx, sig, epoch); err != nil {
		e.failSession(epoch, fmt.Errorf("%w: %v", domain.ErrSignalDeliveryFailed, err))
		return
	}

	e.mu.Lock()
	var evs []Event
	if s := e.sess; s != nil && s.epoch == epoch && s.State == domain.CallStateDialing {
		evs = e.transitionLocked(s, domain.CallStateRinging, "")
	}
	e.mu.Unlock()
	e.emit(evs...)
}

// runAnswer generates and delivers the answer for an accepted call.
func (e *Engine) runAnswer(ctx context.Context, epoch uint64, offer string) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch {
		e.mu.Unlock()
		return
	}
	peer := s.peer
	sig := domain.Signal{
		Type:      domain.SignalTypeAnswer,
		CallID:    s.CallID,
		SenderID:  e.localID,
		TargetID:  s.CallerID,
		Media:     s.Media,
		Timestamp: time.Now(),
	}
	e.mu.Unlock()

	if err := peer.SetRemoteDescription(ctx, offer); err != nil {
		e.failSession(epoch, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
		return
	}
	sdp, err := peer.CreateAnswer(ctx, offer)
	if err != nil {
		e.failSession(epoch, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
		return
	}
	sig.SDP = sdp

	e.mu.Lock()
	if s := e.sess; s != nil && s.epoch == epoch {
		s.pendingSignal = &sig
	}
	e.mu.Unlock()

	if err := e.sendWithRetry(ctx, sig, epoch); err != nil {
		e.failSession(epoch, fmt.Errorf("%w: %v", domain.ErrSignalDeliveryFailed, err))
	}
}

// applyRemoteDescription applies an answer SDP; the session moves to
// active when the peer reports connected.
func (e *Engine) applyRemoteDescription(epoch uint64, sdp string) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch || s.peer == nil {
		e.mu.Unlock()
		return
	}
	peer := s.peer
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := peer.SetRemoteDescription(ctx, sdp); err != nil {
		e.failSession(epoch, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
}

// runRenegotiation performs the initiator side of a mid-call media
// upgrade. One retry; on failure the call stays active.
func (e *Engine) runRenegotiation(ctx context.Context, epoch uint64, media domain.MediaType) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch || s.State != domain.CallStateActive {
		e.mu.Unlock()
		return
	}
	peer := s.peer
	sig := domain.Signal{
		Type:      domain.SignalTypeRenegotiateOffer,
		CallID:    s.CallID,
		SenderID:  e.localID,
		TargetID:  e.remoteParty(s),
		Media:     media,
		Timestamp: time.Now(),
	}
	e.mu.Unlock()

	var failure error
	if sdp, err := peer.CreateOffer(ctx); err != nil {
		failure = err
	} else {
		sig.SDP = sdp
		failure = e.sendWithRetry(ctx, sig, epoch)
	}

	e.mu.Lock()
	var evs []Event
	if s := e.sess; s != nil && s.epoch == epoch {
		s.renegotiating = false
		if failure != nil && s.State == domain.CallStateActive {
			evs = []Event{{Kind: EventRenegotiationFailed, Session: s.CallSession, Err: failure}}
		} else if failure == nil && s.State == domain.CallStateActive {
			s.Media = media
			s.VideoOn = media == domain.MediaTypeVideo
			e.recordLocked(s)
		}
	}
	e.mu.Unlock()
	e.emit(evs...)
}

// answerRenegotiation performs the receiver side of a media upgrade.
func (e *Engine) answerRenegotiation(epoch uint64, offer string) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch || s.State != domain.CallStateActive || s.peer == nil {
		e.mu.Unlock()
		return
	}
	peer := s.peer
	sig := domain.Signal{
		Type:      domain.SignalTypeRenegotiateAnswer,
		CallID:    s.CallID,
		SenderID:  e.localID,
		TargetID:  e.remoteParty(s),
		Timestamp: time.Now(),
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var failure error
	if err := peer.SetRemoteDescription(ctx, offer); err != nil {
		failure = err
	} else if sdp, err := peer.CreateAnswer(ctx, offer); err != nil {
		failure = err
	} else {
		sig.SDP = sdp
		failure = e.sendWithRetry(ctx, sig, epoch)
	}

	if failure != nil {
		e.mu.Lock()
		var evs []Event
		if s := e.sess; s != nil && s.epoch == epoch && s.State == domain.CallStateActive {
			evs = []Event{{Kind: EventRenegotiationFailed, Session: s.CallSession, Err: failure}}
		}
		e.mu.Unlock()
		e.emit(evs...)
	}
}

// sendWithRetry delivers a signal with a single backoff retry. The
// retry is skipped when the session has moved on in the meantime.
func (e *Engine) sendWithRetry(ctx context.Context, sig domain.Signal, epoch uint64) error {
	err := e.sender.SendSignal(ctx, sig)
	if err == nil {
		return nil
	}
	metrics.CallSignalRetriesTotal.Inc()
	logger.Warn("signal send failed, retrying",
		zap.String("type", sig.Type),
		zap.String("call_id", sig.CallID.String()),
		zap.Error(err))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.cfg.SignalRetryBackoff):
	}

	e.mu.Lock()
	alive := e.sess != nil && e.sess.epoch == epoch && !e.sess.State.Terminal()
	e.mu.Unlock()
	if !alive {
		return nil
	}
	return e.sender.SendSignal(ctx, sig)
}

// failSession moves the session to failed unless it is already
// terminal or the epoch is stale.
func (e *Engine) failSession(epoch uint64, cause error) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch || s.State.Terminal() {
		e.mu.Unlock()
		return
	}
	logger.Error("call failed",
		zap.String("call_id", s.CallID.String()),
		zap.Error(cause))
	evs := e.finishLocked(s, domain.CallStateFailed, domain.EndReasonError)
	e.mu.Unlock()
	e.emit(evs...)
}

// onPeerState reacts to connection state reports from the peer
// connection. Reports for stale epochs are discarded.
func (e *Engine) onPeerState(epoch uint64, st PeerState) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch || s.State.Terminal() {
		e.mu.Unlock()
		return
	}

	var evs []Event
	switch st {
	case PeerStateConnected:
		if s.State == domain.CallStateConnecting {
			evs = e.transitionLocked(s, domain.CallStateActive, "")
		}
	case PeerStateFailed:
		if s.State == domain.CallStateActive {
			// Media failures mid-call degrade but do not tear down.
			evs = []Event{{Kind: EventDegradedMedia, Session: s.CallSession, Err: domain.ErrConnectionFailed}}
		} else {
			evs = e.finishLocked(s, domain.CallStateFailed, domain.EndReasonError)
		}
	case PeerStateDisconnected:
		if s.State == domain.CallStateActive {
			evs = []Event{{Kind: EventDegradedMedia, Session: s.CallSession}}
		}
	}
	e.mu.Unlock()
	e.emit(evs...)
}

// onAnswerTimeout fires when dialing/ringing outlasted the configured
// wait.
func (e *Engine) onAnswerTimeout(epoch uint64) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.epoch != epoch ||
		(s.State != domain.CallStateDialing && s.State != domain.CallStateRinging) {
		e.mu.Unlock()
		return
	}
	metrics.CallTimeoutsTotal.Inc()
	e.sendTerminationLocked(s, domain.SignalTypeEnd, domain.EndReasonTimeout)
	evs := e.finishLocked(s, domain.CallStateEnded, domain.EndReasonTimeout)
	for i := range evs {
		evs[i].Err = domain.ErrCallTimeout
	}
	e.mu.Unlock()
	e.emit(evs...)
}
