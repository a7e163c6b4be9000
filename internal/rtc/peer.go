// Package rtc adapts pion WebRTC peer connections to the capability
// the call engine consumes. Trickle ICE candidates surface through a
// callback so the wiring layer can forward them over signaling.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/internal/engine/call"
	"cargolink-comms/pkg/logger"
)

// Config for the peer factory.
type Config struct {
	// ICEServers lists STUN/TURN URLs. Empty falls back to a public
	// STUN server.
	ICEServers []string

	// OnCandidate receives local trickle ICE candidates for delivery
	// over the signaling channel.
	OnCandidate func(candidate map[string]interface{})
}

// Factory builds pion-backed peer connections. Implements the call
// engine's PeerFactory.
type Factory struct {
	cfg Config
}

// NewFactory creates a peer factory.
func NewFactory(cfg Config) *Factory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Factory{cfg: cfg}
}

// NewPeer builds one peer connection with audio and video transceivers
// so offers always carry valid m-lines.
func (f *Factory) NewPeer(media domain.MediaType) (call.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: f.cfg.ICEServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	// Both kinds are negotiated up front; a later audio-to-video
	// upgrade is then a track change, not an m-line change.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	p := &Peer{
		pc:     pc,
		media:  media,
		paused: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	if sink := f.cfg.OnCandidate; sink != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			init := c.ToJSON()
			raw, err := json.Marshal(init)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if err := json.Unmarshal(raw, &m); err != nil {
				return
			}
			sink(m)
		})
	}

	return p, nil
}

// Peer wraps one pion peer connection.
type Peer struct {
	pc    *webrtc.PeerConnection
	media domain.MediaType

	mu         sync.Mutex
	haveRemote bool
	queued     []webrtc.ICECandidateInit
	paused     map[webrtc.RTPCodecType]webrtc.TrackLocal
}

// CreateOffer produces the local offer and installs it as the local
// description. Candidates trickle afterwards.
func (p *Peer) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer produces the answer to a remote offer. The offer is
// installed first when the caller has not done so already.
func (p *Peer) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	if p.pc.RemoteDescription() == nil {
		if err := p.SetRemoteDescription(ctx, offerSDP); err != nil {
			return "", err
		}
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription installs the remote offer or answer and flushes
// any ICE candidates that arrived early.
func (p *Peer) SetRemoteDescription(_ context.Context, sdp string) error {
	typ := webrtc.SDPTypeOffer
	if p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		typ = webrtc.SDPTypeAnswer
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.haveRemote = true
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, cand := range queued {
		if err := p.pc.AddICECandidate(cand); err != nil {
			logger.Warn("queued ice candidate rejected", zap.Error(err))
		}
	}
	return nil
}

// AddICECandidate applies one remote candidate. Candidates arriving
// before the remote description are queued.
func (p *Peer) AddICECandidate(candidate map[string]interface{}) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	p.mu.Lock()
	if !p.haveRemote {
		p.queued = append(p.queued, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.pc.AddICECandidate(init)
}

// OnStateChange forwards pion connection state changes in the engine's
// vocabulary.
func (p *Peer) OnStateChange(fn func(call.PeerState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapState(state))
	})
}

// SetAudioEnabled mutes or unmutes the outbound audio tracks.
func (p *Peer) SetAudioEnabled(enabled bool) {
	p.setKindEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled mutes or unmutes the outbound video tracks.
func (p *Peer) SetVideoEnabled(enabled bool) {
	p.setKindEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

// setKindEnabled pauses or resumes the outbound track of one kind by
// swapping it off the sender; the far side sees the stream stop while
// the negotiated m-line stays in place.
func (p *Peer) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() != kind {
			continue
		}
		sender := tr.Sender()
		if sender == nil {
			continue
		}

		if enabled {
			track, ok := p.paused[kind]
			if !ok {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				logger.Warn("track resume failed",
					zap.String("kind", kind.String()),
					zap.Error(err))
				continue
			}
			delete(p.paused, kind)
		} else {
			track := sender.Track()
			if track == nil {
				continue
			}
			if err := sender.ReplaceTrack(nil); err != nil {
				logger.Warn("track pause failed",
					zap.String("kind", kind.String()),
					zap.Error(err))
				continue
			}
			p.paused[kind] = track
		}
	}
}

// Close releases the underlying connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func mapState(state webrtc.PeerConnectionState) call.PeerState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return call.PeerStateNew
	case webrtc.PeerConnectionStateConnecting:
		return call.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.PeerStateFailed
	default:
		return call.PeerStateClosed
	}
}
