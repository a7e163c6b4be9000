package history

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargolink-comms/internal/domain"
)

func seed(s *Service, convID uuid.UUID, n int) []domain.Message {
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	out := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := domain.Message{
			MessageID:      uuid.New(),
			ConversationID: convID,
			SenderID:       uuid.New(),
			Type:           domain.MessageTypeText,
			Content:        "msg",
			SentAt:         base.Add(time.Duration(i) * time.Minute),
			Status:         domain.MessageStatusSent,
		}
		s.Append(msg)
		out = append(out, msg)
	}
	return out
}

func TestPageNewestFirst(t *testing.T) {
	s := NewService()
	convID := uuid.New()
	msgs := seed(s, convID, 5)

	page := s.Page(convID, 1, 2)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, msgs[4].MessageID, page.Messages[0].MessageID)
	assert.Equal(t, msgs[3].MessageID, page.Messages[1].MessageID)
	assert.True(t, page.HasMore)
}

func TestDeeperPagesReachOldest(t *testing.T) {
	s := NewService()
	convID := uuid.New()
	msgs := seed(s, convID, 5)

	page := s.Page(convID, 3, 2)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msgs[0].MessageID, page.Messages[0].MessageID)
	assert.False(t, page.HasMore)

	empty := s.Page(convID, 4, 2)
	assert.Empty(t, empty.Messages)
	assert.False(t, empty.HasMore)
}

func TestPageEmptyConversation(t *testing.T) {
	s := NewService()
	page := s.Page(uuid.New(), 1, 50)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestParticipantsTracked(t *testing.T) {
	s := NewService()
	convID := uuid.New()
	sender := uuid.New()
	receiver := uuid.New()

	s.Append(domain.Message{
		MessageID:      uuid.New(),
		ConversationID: convID,
		SenderID:       sender,
		ReceiverID:     receiver,
		SentAt:         time.Now(),
	})

	got := s.Participants(convID)
	assert.ElementsMatch(t, []uuid.UUID{sender, receiver}, got)
}

func TestMarkDelivered(t *testing.T) {
	s := NewService()
	convID := uuid.New()
	msg := Canonicalize(uuid.New(), domain.MessageCreate{
		ConversationID: convID,
		Content:        "hello",
		MessageType:    domain.MessageTypeText,
	})
	s.Append(msg)

	s.MarkDelivered(convID, msg.MessageID)
	page := s.Page(convID, 1, 10)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, domain.MessageStatusDelivered, page.Messages[0].Status)
}
