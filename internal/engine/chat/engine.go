// Package chat implements the message reconciliation engine for one
// conversation: it merges paginated history loads, live socket events
// and locally sent messages into a single deduplicated timeline.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/metrics"
)

// HistoryFetcher loads one page of persisted conversation history. The
// REST client in internal/rest implements it.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, conversationID uuid.UUID, page, limit int) (domain.MessagePage, error)
}

// entry is one timeline slot. Pending entries carry a correlation
// handle instead of a server-assigned id; they are a distinct variant,
// never recognized by sniffing id formats.
type entry struct {
	msg     domain.Message
	pending bool
	handle  string
	seq     uint64
}

// Engine reconciles the message timeline of a single conversation.
// Safe for concurrent use.
type Engine struct {
	conversationID uuid.UUID
	localID        uuid.UUID
	fetcher        HistoryFetcher
	pageSize       int

	mu       sync.Mutex
	entries  []*entry
	byID     map[uuid.UUID]*entry
	byHandle map[string]*entry
	pages    map[int]bool
	hasMore  bool
	nextSeq  uint64
}

// DefaultPageSize matches the history service's page limit.
const DefaultPageSize = 50

// NewEngine creates a reconciliation engine for one conversation.
func NewEngine(conversationID, localID uuid.UUID, fetcher HistoryFetcher, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Engine{
		conversationID: conversationID,
		localID:        localID,
		fetcher:        fetcher,
		pageSize:       pageSize,
		byID:           make(map[uuid.UUID]*entry),
		byHandle:       make(map[string]*entry),
		pages:          make(map[int]bool),
		hasMore:        true,
	}
}

// LoadPage fetches and merges one history page. A failed fetch leaves
// the timeline untouched. Loading the same page twice is a no-op at
// the timeline level; pages may complete out of order.
func (e *Engine) LoadPage(ctx context.Context, page int) error {
	res, err := e.fetcher.FetchPage(ctx, e.conversationID, page, e.pageSize)
	if err != nil {
		metrics.PageFetchesTotal.WithLabelValues("error").Inc()
		logger.Warn("history page fetch failed",
			zap.String("conversation_id", e.conversationID.String()),
			zap.Int("page", page),
			zap.Error(err))
		return fmt.Errorf("%w: page %d: %v", domain.ErrFetchFailed, page, err)
	}
	metrics.PageFetchesTotal.WithLabelValues("ok").Inc()

	e.mu.Lock()
	e.pages[page] = true
	// A short page means the history is exhausted in that direction.
	if len(res.Messages) < e.pageSize {
		e.hasMore = false
	}
	for _, msg := range res.Messages {
		e.mergeLocked(msg, "history")
	}
	e.mu.Unlock()
	return nil
}

// PageLoaded reports whether a page has completed at least once.
func (e *Engine) PageLoaded(page int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pages[page]
}

// HasMore reports whether older history pages may remain.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// ApplyLocalSend adds an optimistic pending message and returns its
// correlation handle. The pending entry shows status sending until
// resolved or failed.
func (e *Engine) ApplyLocalSend(create domain.MessageCreate) (string, domain.Message) {
	handle := uuid.NewString()
	msg := domain.Message{
		ConversationID: e.conversationID,
		SenderID:       e.localID,
		ReceiverID:     create.ReceiverID,
		Type:           create.MessageType,
		Content:        create.Content,
		Metadata:       create.Metadata,
		SentAt:         time.Now(),
		Status:         domain.MessageStatusSending,
	}

	e.mu.Lock()
	e.nextSeq++
	ent := &entry{msg: msg, pending: true, handle: handle, seq: e.nextSeq}
	e.entries = append(e.entries, ent)
	e.byHandle[handle] = ent
	e.mu.Unlock()

	metrics.MessagesMergedTotal.WithLabelValues("local").Inc()
	return handle, msg
}

// ResolveLocalSend replaces a pending entry with its server-assigned
// message. If the canonical message already arrived over the socket,
// the pending duplicate is dropped.
func (e *Engine) ResolveLocalSend(handle string, msg domain.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStaleHandle, handle)
	}
	delete(e.byHandle, handle)

	if existing, dup := e.byID[msg.MessageID]; dup {
		// The socket event won the race; discard the optimistic copy.
		e.dropLocked(ent)
		e.upgradeLocked(existing, msg)
		metrics.MessagesDedupedTotal.Inc()
		return nil
	}

	ent.pending = false
	ent.handle = ""
	ent.msg = msg
	if ent.msg.Status == "" || ent.msg.Status == domain.MessageStatusSending {
		ent.msg.Status = domain.MessageStatusSent
	}
	e.byID[msg.MessageID] = ent
	return nil
}

// FailLocalSend marks a pending entry failed. The entry stays on the
// timeline so the user can retry or discard it.
func (e *Engine) FailLocalSend(handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStaleHandle, handle)
	}
	ent.msg.Status = domain.MessageStatusFailed
	return nil
}

// RemoveLocalSend drops a pending entry from the timeline, e.g. after
// the user discards a failed send.
func (e *Engine) RemoveLocalSend(handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byHandle[handle]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStaleHandle, handle)
	}
	delete(e.byHandle, handle)
	e.dropLocked(ent)
	return nil
}

// ApplyRemoteEvent merges a live socket message into the timeline.
// Messages for other conversations are ignored, as are echoes of the
// local user's own sends: those are reconciled through their handle,
// not through the socket.
func (e *Engine) ApplyRemoteEvent(msg domain.Message) {
	if msg.ConversationID != e.conversationID || msg.SenderID == e.localID {
		return
	}
	e.mu.Lock()
	e.mergeLocked(msg, "socket")
	e.mu.Unlock()
}

// ApplyStatusUpdate advances the delivery status of a known message.
// Status never moves backwards.
func (e *Engine) ApplyStatusUpdate(messageID uuid.UUID, status domain.MessageStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.byID[messageID]
	if !ok {
		return
	}
	if statusRank(status) > statusRank(ent.msg.Status) {
		ent.msg.Status = status
	}
}

// Snapshot returns the timeline newest-first. Equal timestamps keep
// arrival order, later arrivals first.
func (e *Engine) Snapshot() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Message, 0, len(e.entries))
	ordered := make([]*entry, len(e.entries))
	copy(ordered, e.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].msg.SentAt.Equal(ordered[j].msg.SentAt) {
			return ordered[i].msg.SentAt.After(ordered[j].msg.SentAt)
		}
		return ordered[i].seq > ordered[j].seq
	})
	for _, ent := range ordered {
		out = append(out, ent.msg)
	}
	return out
}

// Pending reports whether a handle still refers to an unresolved send.
func (e *Engine) Pending(handle string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byHandle[handle]
	return ok
}

// Len returns the number of timeline entries, pending included.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// mergeLocked inserts a canonical message, deduplicating by id. A
// duplicate only ever upgrades status.
func (e *Engine) mergeLocked(msg domain.Message, source string) {
	if ent, ok := e.byID[msg.MessageID]; ok {
		e.upgradeLocked(ent, msg)
		metrics.MessagesDedupedTotal.Inc()
		return
	}
	e.nextSeq++
	ent := &entry{msg: msg, seq: e.nextSeq}
	e.entries = append(e.entries, ent)
	e.byID[msg.MessageID] = ent
	metrics.MessagesMergedTotal.WithLabelValues(source).Inc()
}

func (e *Engine) upgradeLocked(ent *entry, msg domain.Message) {
	if statusRank(msg.Status) > statusRank(ent.msg.Status) {
		ent.msg.Status = msg.Status
	}
}

func (e *Engine) dropLocked(ent *entry) {
	for i, cur := range e.entries {
		if cur == ent {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return
		}
	}
}

func statusRank(s domain.MessageStatus) int {
	switch s {
	case domain.MessageStatusSending:
		return 0
	case domain.MessageStatusFailed:
		return 1
	case domain.MessageStatusSent:
		return 2
	case domain.MessageStatusDelivered:
		return 3
	case domain.MessageStatusRead:
		return 4
	default:
		return 0
	}
}
