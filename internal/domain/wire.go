package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// This file is the normalization boundary for inbound wire payloads.
// Backends and older gateway versions disagree on field spelling
// (sender_id vs senderId vs from); everything is converted to the
// canonical types here so the engines only ever see one shape.

// NormalizeMessage converts a raw socket payload into a canonical
// Message. Unknown message types degrade to text rather than being
// dropped.
func NormalizeMessage(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("malformed message payload: %w", err)
	}

	msgID, err := pickUUID(fields, "message_id", "messageId", "id")
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	convID, err := pickUUID(fields, "conversation_id", "conversationId", "chat_id", "chatId")
	if err != nil {
		return Message{}, fmt.Errorf("conversation id: %w", err)
	}
	senderID, err := pickUUID(fields, "sender_id", "senderId", "user_id", "userId", "from")
	if err != nil {
		return Message{}, fmt.Errorf("sender id: %w", err)
	}
	receiverID, _ := pickUUID(fields, "receiver_id", "receiverId", "to")

	msg := Message{
		MessageID:      msgID,
		ConversationID: convID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Type:           MessageType(pickString(fields, "message_type", "messageType", "type")),
		Content:        pickString(fields, "content", "text", "body"),
		SentAt:         pickTime(fields, "sent_at", "sentAt", "timestamp", "created_at", "createdAt"),
		Status:         MessageStatusDelivered,
	}
	if raw, ok := fields["metadata"]; ok {
		_ = json.Unmarshal(raw, &msg.Metadata)
	}

	switch msg.Type {
	case MessageTypeText, MessageTypeImage, MessageTypeVoice, MessageTypeDocument, MessageTypeLocation, MessageTypeSystem:
	default:
		msg.Type = MessageTypeText
	}
	switch status := MessageStatus(pickString(fields, "status", "delivery_status", "deliveryStatus")); status {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusRead:
		msg.Status = status
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	return msg, nil
}

// NormalizeSignal converts a raw signaling payload into a canonical
// Signal.
func NormalizeSignal(raw []byte) (Signal, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Signal{}, fmt.Errorf("malformed signal payload: %w", err)
	}

	sigType := pickString(fields, "type", "signal_type", "signalType")
	if sigType == "" {
		return Signal{}, fmt.Errorf("signal payload missing type")
	}
	callID, err := pickUUID(fields, "call_id", "callId")
	if err != nil {
		return Signal{}, fmt.Errorf("call id: %w", err)
	}
	senderID, _ := pickUUID(fields, "sender_id", "senderId", "caller_id", "callerId", "from")
	targetID, _ := pickUUID(fields, "target_id", "targetId", "callee_id", "calleeId", "to")

	sig := Signal{
		Type:      sigType,
		CallID:    callID,
		SenderID:  senderID,
		TargetID:  targetID,
		Media:     MediaType(pickString(fields, "media", "call_type", "callType")),
		SDP:       pickString(fields, "sdp", "description"),
		Reason:    EndReason(pickString(fields, "reason", "end_reason", "endReason")),
		Timestamp: pickTime(fields, "timestamp", "sent_at", "sentAt"),
	}
	if raw, ok := fields["candidate"]; ok {
		_ = json.Unmarshal(raw, &sig.Candidate)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	return sig, nil
}

// NormalizeTypingEvent converts a raw typing payload into a canonical
// TypingEvent.
func NormalizeTypingEvent(raw []byte) (TypingEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TypingEvent{}, fmt.Errorf("malformed typing payload: %w", err)
	}

	convID, err := pickUUID(fields, "conversation_id", "conversationId", "chat_id", "chatId")
	if err != nil {
		return TypingEvent{}, fmt.Errorf("conversation id: %w", err)
	}
	userID, err := pickUUID(fields, "user_id", "userId", "sender_id", "senderId")
	if err != nil {
		return TypingEvent{}, fmt.Errorf("user id: %w", err)
	}

	ev := TypingEvent{
		ConversationID: convID,
		UserID:         userID,
		DisplayName:    pickString(fields, "display_name", "displayName", "username", "name"),
		Timestamp:      pickTime(fields, "timestamp"),
	}
	if raw, ok := fields["typing"]; ok {
		_ = json.Unmarshal(raw, &ev.Typing)
	} else if raw, ok := fields["is_typing"]; ok {
		_ = json.Unmarshal(raw, &ev.Typing)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	return ev, nil
}

func pickString(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func pickUUID(fields map[string]json.RawMessage, keys ...string) (uuid.UUID, error) {
	s := pickString(fields, keys...)
	if s == "" {
		return uuid.Nil, fmt.Errorf("missing field (tried %v)", keys)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return id, nil
}

func pickTime(fields map[string]json.RawMessage, keys ...string) time.Time {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var t time.Time
		if err := json.Unmarshal(raw, &t); err == nil && !t.IsZero() {
			return t
		}
		var millis int64
		if err := json.Unmarshal(raw, &millis); err == nil && millis > 0 {
			return time.UnixMilli(millis)
		}
	}
	return time.Time{}
}
