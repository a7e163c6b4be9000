package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus tracks the delivery lifecycle of a message.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessageType identifies the payload kind of a message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
	MessageTypeSystem   MessageType = "system"
)

// Message represents a chat message in canonical form. Inbound wire
// payloads must pass through wire.go normalization before becoming one
// of these; the engines never see raw transport shapes.
type Message struct {
	MessageID      uuid.UUID              `json:"message_id"`
	ConversationID uuid.UUID              `json:"conversation_id"`
	SenderID       uuid.UUID              `json:"sender_id"`
	ReceiverID     uuid.UUID              `json:"receiver_id,omitempty"`
	Type           MessageType            `json:"message_type"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"` // file name, size, mime, coordinates
	SentAt         time.Time              `json:"sent_at"`
	Status         MessageStatus          `json:"status"`
}

// MessageCreate represents data needed to send a message.
type MessageCreate struct {
	ConversationID uuid.UUID              `json:"conversation_id" binding:"required"`
	ReceiverID     uuid.UUID              `json:"receiver_id"`
	Content        string                 `json:"content" binding:"required"`
	MessageType    MessageType            `json:"message_type" binding:"required,oneof=text image voice document location system"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// MessagePage is one page of historical messages returned by the
// history collaborator. A page shorter than the requested size means
// the history is exhausted.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"has_more"`
}
