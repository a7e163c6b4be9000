package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageFieldVariants(t *testing.T) {
	msgID := uuid.New()
	convID := uuid.New()
	senderID := uuid.New()
	sentAt := time.Now().UTC().Truncate(time.Second)

	tests := []struct {
		name    string
		payload string
	}{
		{
			name: "snake_case",
			payload: fmt.Sprintf(`{"message_id":%q,"conversation_id":%q,"sender_id":%q,"message_type":"text","content":"hi","sent_at":%q}`,
				msgID, convID, senderID, sentAt.Format(time.RFC3339)),
		},
		{
			name: "camelCase",
			payload: fmt.Sprintf(`{"messageId":%q,"conversationId":%q,"senderId":%q,"messageType":"text","content":"hi","sentAt":%q}`,
				msgID, convID, senderID, sentAt.Format(time.RFC3339)),
		},
		{
			name: "legacy gateway",
			payload: fmt.Sprintf(`{"id":%q,"chat_id":%q,"from":%q,"type":"text","text":"hi","timestamp":%q}`,
				msgID, convID, senderID, sentAt.Format(time.RFC3339)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NormalizeMessage([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, msgID, msg.MessageID)
			assert.Equal(t, convID, msg.ConversationID)
			assert.Equal(t, senderID, msg.SenderID)
			assert.Equal(t, "hi", msg.Content)
			assert.True(t, msg.SentAt.Equal(sentAt))
		})
	}
}

func TestNormalizeMessageUnknownTypeDegradesToText(t *testing.T) {
	payload := fmt.Sprintf(`{"message_id":%q,"conversation_id":%q,"sender_id":%q,"message_type":"hologram","content":"x"}`,
		uuid.New(), uuid.New(), uuid.New())
	msg, err := NormalizeMessage([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeText, msg.Type)
}

func TestNormalizeMessageMissingTimestampDefaultsToNow(t *testing.T) {
	payload := fmt.Sprintf(`{"message_id":%q,"conversation_id":%q,"sender_id":%q,"content":"x"}`,
		uuid.New(), uuid.New(), uuid.New())
	msg, err := NormalizeMessage([]byte(payload))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), msg.SentAt, time.Second)
}

func TestNormalizeMessageRespectsWireStatus(t *testing.T) {
	payload := fmt.Sprintf(`{"message_id":%q,"conversation_id":%q,"sender_id":%q,"content":"x","status":"read"}`,
		uuid.New(), uuid.New(), uuid.New())
	msg, err := NormalizeMessage([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, MessageStatusRead, msg.Status)
}

func TestNormalizeMessageRejectsMissingIDs(t *testing.T) {
	_, err := NormalizeMessage([]byte(`{"content":"orphan"}`))
	assert.Error(t, err)

	_, err = NormalizeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestNormalizeSignalVariants(t *testing.T) {
	callID := uuid.New()
	caller := uuid.New()

	sig, err := NormalizeSignal([]byte(fmt.Sprintf(
		`{"signalType":"offer","callId":%q,"callerId":%q,"callType":"video","sdp":"v=0"}`,
		callID, caller)))
	require.NoError(t, err)
	assert.Equal(t, SignalTypeOffer, sig.Type)
	assert.Equal(t, callID, sig.CallID)
	assert.Equal(t, caller, sig.SenderID)
	assert.Equal(t, MediaTypeVideo, sig.Media)
	assert.Equal(t, "v=0", sig.SDP)
}

func TestNormalizeSignalRequiresTypeAndCallID(t *testing.T) {
	_, err := NormalizeSignal([]byte(fmt.Sprintf(`{"call_id":%q}`, uuid.New())))
	assert.Error(t, err, "missing type")

	_, err = NormalizeSignal([]byte(`{"type":"offer"}`))
	assert.Error(t, err, "missing call id")
}

func TestNormalizeSignalKeepsCandidate(t *testing.T) {
	sig, err := NormalizeSignal([]byte(fmt.Sprintf(
		`{"type":"ice_candidate","call_id":%q,"candidate":{"candidate":"candidate:1 1 udp","sdpMid":"0"}}`,
		uuid.New())))
	require.NoError(t, err)
	require.NotNil(t, sig.Candidate)
	assert.Equal(t, "0", sig.Candidate["sdpMid"])
}

func TestNormalizeTypingEventVariants(t *testing.T) {
	convID := uuid.New()
	userID := uuid.New()

	ev, err := NormalizeTypingEvent([]byte(fmt.Sprintf(
		`{"chatId":%q,"userId":%q,"username":"ana","is_typing":true}`, convID, userID)))
	require.NoError(t, err)
	assert.Equal(t, convID, ev.ConversationID)
	assert.Equal(t, userID, ev.UserID)
	assert.Equal(t, "ana", ev.DisplayName)
	assert.True(t, ev.Typing)

	ev, err = NormalizeTypingEvent([]byte(fmt.Sprintf(
		`{"conversation_id":%q,"user_id":%q,"typing":false}`, convID, userID)))
	require.NoError(t, err)
	assert.False(t, ev.Typing)
}
