// Package history is the relay's message store. It backs the paginated
// history endpoint and remembers conversation participants so the hub
// can route conversation-scoped events.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cargolink-comms/internal/domain"
)

// Service keeps messages per conversation, oldest first. Safe for
// concurrent use.
type Service struct {
	mu           sync.RWMutex
	messages     map[uuid.UUID][]domain.Message
	participants map[uuid.UUID]map[uuid.UUID]bool
}

// NewService creates an empty history store.
func NewService() *Service {
	return &Service{
		messages:     make(map[uuid.UUID][]domain.Message),
		participants: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// Append stores one message and registers its sender and receiver as
// conversation participants.
func (s *Service) Append(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)

	p := s.participants[msg.ConversationID]
	if p == nil {
		p = make(map[uuid.UUID]bool)
		s.participants[msg.ConversationID] = p
	}
	p[msg.SenderID] = true
	if msg.ReceiverID != uuid.Nil {
		p[msg.ReceiverID] = true
	}
}

// Page returns one page of a conversation, newest message first. Page
// numbers start at 1; page 1 holds the most recent messages.
func (s *Service) Page(conversationID uuid.UUID, page, limit int) domain.MessagePage {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	all := s.messages[conversationID]
	total := len(all)

	start := total - page*limit
	end := total - (page-1)*limit
	if end < 0 {
		end = 0
	}
	if start < 0 {
		start = 0
	}

	out := make([]domain.Message, 0, end-start)
	// Stored oldest first; pages are served newest first.
	for i := end - 1; i >= start; i-- {
		out = append(out, all[i])
	}
	s.mu.RUnlock()

	return domain.MessagePage{
		Messages: out,
		Page:     page,
		HasMore:  start > 0,
	}
}

// Participants returns everyone seen in a conversation.
func (s *Service) Participants(conversationID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.participants[conversationID]
	out := make([]uuid.UUID, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	return out
}

// MarkDelivered upgrades a message's status once the receiver's socket
// has taken it.
func (s *Service) MarkDelivered(conversationID, messageID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].MessageID == messageID && msgs[i].Status == domain.MessageStatusSent {
			msgs[i].Status = domain.MessageStatusDelivered
			return
		}
	}
}

// Canonicalize stamps a client submission into a canonical stored
// message.
func Canonicalize(senderID uuid.UUID, create domain.MessageCreate) domain.Message {
	msgType := create.MessageType
	if msgType == "" {
		msgType = domain.MessageTypeText
	}
	return domain.Message{
		MessageID:      uuid.New(),
		ConversationID: create.ConversationID,
		SenderID:       senderID,
		ReceiverID:     create.ReceiverID,
		Type:           msgType,
		Content:        create.Content,
		Metadata:       create.Metadata,
		SentAt:         time.Now().UTC(),
		Status:         domain.MessageStatusSent,
	}
}
