// Package typing tracks who is composing a message. The local side
// debounces keystrokes into start/stop signals; the remote side keeps
// a per-conversation set with a hard expiry so a lost stop event never
// leaves a ghost indicator.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/metrics"
)

// Signaler delivers typing events to the remote party.
type Signaler interface {
	SendTyping(ctx context.Context, ev domain.TypingEvent) error
}

// Config carries the tracker's timing policy.
type Config struct {
	// Debounce is the idle window after the last keystroke before a
	// stop signal goes out.
	Debounce time.Duration

	// Expiry is how long a remote typing entry survives without a
	// refresh.
	Expiry time.Duration
}

// DefaultConfig matches the behavior users expect from mobile chat
// clients.
func DefaultConfig() Config {
	return Config{
		Debounce: 2 * time.Second,
		Expiry:   2 * time.Second,
	}
}

type localState struct {
	typing    bool
	stopTimer *time.Timer
}

type remoteEntry struct {
	user   domain.TypingUser
	expire *time.Timer
}

// Tracker manages typing indicators for all conversations of one local
// user. Safe for concurrent use.
type Tracker struct {
	cfg       Config
	localID   uuid.UUID
	localName string
	signaler  Signaler

	mu        sync.Mutex
	local     map[uuid.UUID]*localState
	remote    map[uuid.UUID]map[uuid.UUID]*remoteEntry
	listeners []func(conversationID uuid.UUID, users []domain.TypingUser)
	disposed  bool
}

// NewTracker creates a typing tracker for the given local user.
func NewTracker(localID uuid.UUID, localName string, signaler Signaler, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	return &Tracker{
		cfg:       cfg,
		localID:   localID,
		localName: localName,
		signaler:  signaler,
		local:     make(map[uuid.UUID]*localState),
		remote:    make(map[uuid.UUID]map[uuid.UUID]*remoteEntry),
	}
}

// Notify registers a listener called whenever a conversation's typing
// set changes. Invoked outside the tracker lock.
func (t *Tracker) Notify(fn func(conversationID uuid.UUID, users []domain.TypingUser)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// KeyPressed records one local keystroke. The first keystroke sends a
// start signal; each one pushes the stop signal out by the debounce
// window.
func (t *Tracker) KeyPressed(ctx context.Context, conversationID uuid.UUID) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	ls, ok := t.local[conversationID]
	if !ok {
		ls = &localState{}
		t.local[conversationID] = ls
	}
	sendStart := !ls.typing
	ls.typing = true
	if ls.stopTimer != nil {
		ls.stopTimer.Stop()
	}
	ls.stopTimer = time.AfterFunc(t.cfg.Debounce, func() { t.debounceExpired(conversationID) })
	t.mu.Unlock()

	if sendStart {
		t.send(ctx, conversationID, true)
	}
}

// StopTyping sends a stop signal immediately, e.g. when the composed
// message is sent or the conversation is left.
func (t *Tracker) StopTyping(ctx context.Context, conversationID uuid.UUID) {
	t.mu.Lock()
	ls, ok := t.local[conversationID]
	if !ok || !ls.typing {
		t.mu.Unlock()
		return
	}
	ls.typing = false
	if ls.stopTimer != nil {
		ls.stopTimer.Stop()
		ls.stopTimer = nil
	}
	t.mu.Unlock()

	t.send(ctx, conversationID, false)
}

// HandleRemoteEvent merges one remote typing event. Events about the
// local user are ignored.
func (t *Tracker) HandleRemoteEvent(ev domain.TypingEvent) {
	if ev.UserID == t.localID {
		return
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	conv := t.remote[ev.ConversationID]
	if conv == nil {
		conv = make(map[uuid.UUID]*remoteEntry)
		t.remote[ev.ConversationID] = conv
	}

	changed := false
	if ev.Typing {
		ent, ok := conv[ev.UserID]
		if !ok {
			ent = &remoteEntry{user: domain.TypingUser{UserID: ev.UserID, DisplayName: ev.DisplayName}}
			conv[ev.UserID] = ent
			changed = true
		} else {
			ent.expire.Stop()
			if ev.DisplayName != "" {
				ent.user.DisplayName = ev.DisplayName
			}
		}
		convID, userID := ev.ConversationID, ev.UserID
		ent.expire = time.AfterFunc(t.cfg.Expiry, func() { t.entryExpired(convID, userID) })
	} else {
		if ent, ok := conv[ev.UserID]; ok {
			ent.expire.Stop()
			delete(conv, ev.UserID)
			changed = true
		}
	}
	var snapshot []domain.TypingUser
	if changed {
		snapshot = t.snapshotLocked(ev.ConversationID)
	}
	t.mu.Unlock()

	if changed {
		t.notify(ev.ConversationID, snapshot)
	}
}

// TypingUsers returns who is currently typing in a conversation,
// ordered by display name.
func (t *Tracker) TypingUsers(conversationID uuid.UUID) []domain.TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(conversationID)
}

// Dispose stops all timers. Pending stop signals are not sent.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	t.disposed = true
	for _, ls := range t.local {
		if ls.stopTimer != nil {
			ls.stopTimer.Stop()
		}
	}
	for _, conv := range t.remote {
		for _, ent := range conv {
			ent.expire.Stop()
		}
	}
	t.local = make(map[uuid.UUID]*localState)
	t.remote = make(map[uuid.UUID]map[uuid.UUID]*remoteEntry)
	t.mu.Unlock()
}

func (t *Tracker) debounceExpired(conversationID uuid.UUID) {
	t.mu.Lock()
	ls, ok := t.local[conversationID]
	if !ok || !ls.typing || t.disposed {
		t.mu.Unlock()
		return
	}
	ls.typing = false
	ls.stopTimer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.send(ctx, conversationID, false)
}

func (t *Tracker) entryExpired(conversationID, userID uuid.UUID) {
	t.mu.Lock()
	conv := t.remote[conversationID]
	if conv == nil {
		t.mu.Unlock()
		return
	}
	if _, ok := conv[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(conv, userID)
	metrics.TypingEntriesExpiredTotal.Inc()
	snapshot := t.snapshotLocked(conversationID)
	t.mu.Unlock()

	t.notify(conversationID, snapshot)
}

func (t *Tracker) snapshotLocked(conversationID uuid.UUID) []domain.TypingUser {
	conv := t.remote[conversationID]
	out := make([]domain.TypingUser, 0, len(conv))
	for _, ent := range conv {
		out = append(out, ent.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

func (t *Tracker) notify(conversationID uuid.UUID, users []domain.TypingUser) {
	t.mu.Lock()
	listeners := make([]func(uuid.UUID, []domain.TypingUser), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(conversationID, users)
	}
}

// send delivers a local start/stop signal. Delivery is best-effort;
// typing state is cosmetic and never fails an operation.
func (t *Tracker) send(ctx context.Context, conversationID uuid.UUID, typing bool) {
	ev := domain.TypingEvent{
		ConversationID: conversationID,
		UserID:         t.localID,
		DisplayName:    t.localName,
		Typing:         typing,
		Timestamp:      time.Now(),
	}
	if err := t.signaler.SendTyping(ctx, ev); err != nil {
		logger.Debug("typing signal not delivered",
			zap.String("conversation_id", conversationID.String()),
			zap.Bool("typing", typing),
			zap.Error(err))
	}
}
