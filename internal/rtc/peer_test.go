package rtc

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargolink-comms/internal/domain"
)

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	f := NewFactory(Config{})
	pc, err := f.NewPeer(domain.MediaTypeVideo)
	require.NoError(t, err)
	p, ok := pc.(*Peer)
	require.True(t, ok)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func senderOfKind(t *testing.T, p *Peer, kind webrtc.RTPCodecType) *webrtc.RTPSender {
	t.Helper()
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Kind() == kind {
			require.NotNil(t, tr.Sender())
			return tr.Sender()
		}
	}
	t.Fatalf("no %s transceiver", kind)
	return nil
}

func TestOfferCarriesAudioAndVideo(t *testing.T) {
	p := newTestPeer(t)

	sdp, err := p.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, sdp, "m=audio")
	assert.Contains(t, sdp, "m=video")
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	caller := newTestPeer(t)
	callee := newTestPeer(t)

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)

	answer, err := callee.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assert.Contains(t, answer, "m=audio")

	require.NoError(t, caller.SetRemoteDescription(ctx, answer))
}

func TestAudioToggleSwapsSenderTrack(t *testing.T) {
	p := newTestPeer(t)
	sender := senderOfKind(t, p, webrtc.RTPCodecTypeAudio)
	require.NotNil(t, sender.Track())

	p.SetAudioEnabled(false)
	assert.Nil(t, sender.Track())

	p.SetAudioEnabled(true)
	assert.NotNil(t, sender.Track())
}

func TestToggleIsIdempotentAndPerKind(t *testing.T) {
	p := newTestPeer(t)
	audio := senderOfKind(t, p, webrtc.RTPCodecTypeAudio)
	video := senderOfKind(t, p, webrtc.RTPCodecTypeVideo)

	p.SetAudioEnabled(false)
	p.SetAudioEnabled(false)
	assert.Nil(t, audio.Track())
	assert.NotNil(t, video.Track(), "audio mute must not touch video")

	p.SetAudioEnabled(true)
	assert.NotNil(t, audio.Track())

	// Resuming an already live sender is a no-op.
	p.SetVideoEnabled(true)
	assert.NotNil(t, video.Track())
}

func TestCandidateQueuedBeforeRemoteDescription(t *testing.T) {
	p := newTestPeer(t)

	err := p.AddICECandidate(map[string]interface{}{
		"candidate":     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		"sdpMid":        "0",
		"sdpMLineIndex": 0,
	})
	require.NoError(t, err)
	assert.Len(t, p.queued, 1)
}
