package domain

import (
	"time"

	"github.com/google/uuid"
)

// TypingEvent reports that a user started or stopped composing a
// message in a conversation.
type TypingEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Typing         bool      `json:"typing"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingUser is one entry in a conversation's typing snapshot.
type TypingUser struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}
