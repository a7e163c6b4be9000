package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargolink-comms/internal/domain"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.TypingEvent
}

func (f *fakeSignaler) SendTyping(_ context.Context, ev domain.TypingEvent) error {
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) events() []domain.TypingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TypingEvent, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTracker(t *testing.T, cfg Config) (*Tracker, *fakeSignaler) {
	t.Helper()
	sig := &fakeSignaler{}
	tr := NewTracker(uuid.New(), "dispatcher", sig, cfg)
	t.Cleanup(tr.Dispose)
	return tr, sig
}

func TestKeystrokesDebounceIntoOneStartStop(t *testing.T) {
	tr, sig := newTracker(t, Config{Debounce: 40 * time.Millisecond})
	convID := uuid.New()
	ctx := context.Background()

	tr.KeyPressed(ctx, convID)
	tr.KeyPressed(ctx, convID)
	tr.KeyPressed(ctx, convID)

	require.Eventually(t, func() bool {
		return len(sig.events()) == 2
	}, time.Second, 5*time.Millisecond)

	evs := sig.events()
	assert.True(t, evs[0].Typing, "first keystroke sends start")
	assert.False(t, evs[1].Typing, "debounce sends a single stop")
	assert.Equal(t, convID, evs[0].ConversationID)
}

func TestKeystrokeAfterStopStartsAgain(t *testing.T) {
	tr, sig := newTracker(t, Config{Debounce: 20 * time.Millisecond})
	convID := uuid.New()
	ctx := context.Background()

	tr.KeyPressed(ctx, convID)
	require.Eventually(t, func() bool { return len(sig.events()) == 2 }, time.Second, 5*time.Millisecond)

	tr.KeyPressed(ctx, convID)
	require.Eventually(t, func() bool { return len(sig.events()) == 4 }, time.Second, 5*time.Millisecond)
	assert.True(t, sig.events()[2].Typing)
}

func TestStopTypingSendsImmediately(t *testing.T) {
	tr, sig := newTracker(t, Config{Debounce: time.Hour})
	convID := uuid.New()
	ctx := context.Background()

	tr.KeyPressed(ctx, convID)
	tr.StopTyping(ctx, convID)

	evs := sig.events()
	require.Len(t, evs, 2)
	assert.False(t, evs[1].Typing)

	// Without an active start, stop is a no-op.
	tr.StopTyping(ctx, convID)
	assert.Len(t, sig.events(), 2)
}

func TestRemoteTypingSetTracksStartAndStop(t *testing.T) {
	tr, _ := newTracker(t, Config{Expiry: time.Hour})
	convID := uuid.New()
	alice := uuid.New()

	tr.HandleRemoteEvent(domain.TypingEvent{
		ConversationID: convID, UserID: alice, DisplayName: "alice", Typing: true,
	})
	users := tr.TypingUsers(convID)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].DisplayName)

	tr.HandleRemoteEvent(domain.TypingEvent{ConversationID: convID, UserID: alice, Typing: false})
	assert.Empty(t, tr.TypingUsers(convID))
}

func TestRemoteEntryExpiresWithoutStop(t *testing.T) {
	tr, _ := newTracker(t, Config{Expiry: 30 * time.Millisecond})
	convID := uuid.New()

	var notified sync.WaitGroup
	notified.Add(1)
	var once sync.Once
	tr.Notify(func(_ uuid.UUID, users []domain.TypingUser) {
		if len(users) == 0 {
			once.Do(notified.Done)
		}
	})

	tr.HandleRemoteEvent(domain.TypingEvent{
		ConversationID: convID, UserID: uuid.New(), DisplayName: "bob", Typing: true,
	})
	require.Len(t, tr.TypingUsers(convID), 1)

	require.Eventually(t, func() bool {
		return len(tr.TypingUsers(convID)) == 0
	}, time.Second, 5*time.Millisecond)
	notified.Wait()
}

func TestRefreshPushesExpiryOut(t *testing.T) {
	tr, _ := newTracker(t, Config{Expiry: 60 * time.Millisecond})
	convID := uuid.New()
	bob := uuid.New()

	tr.HandleRemoteEvent(domain.TypingEvent{ConversationID: convID, UserID: bob, Typing: true})
	time.Sleep(35 * time.Millisecond)
	tr.HandleRemoteEvent(domain.TypingEvent{ConversationID: convID, UserID: bob, Typing: true})
	time.Sleep(35 * time.Millisecond)

	assert.Len(t, tr.TypingUsers(convID), 1, "refresh must reset the expiry clock")
}

func TestOwnEventsIgnored(t *testing.T) {
	sig := &fakeSignaler{}
	localID := uuid.New()
	tr := NewTracker(localID, "me", sig, Config{})
	t.Cleanup(tr.Dispose)
	convID := uuid.New()

	tr.HandleRemoteEvent(domain.TypingEvent{ConversationID: convID, UserID: localID, Typing: true})
	assert.Empty(t, tr.TypingUsers(convID))
}

func TestSnapshotSortedByDisplayName(t *testing.T) {
	tr, _ := newTracker(t, Config{Expiry: time.Hour})
	convID := uuid.New()

	tr.HandleRemoteEvent(domain.TypingEvent{ConversationID: convID, UserID: uuid.New(), DisplayName: "zoe", Typing: true})
	tr.HandleRemoteEvent(domain.TypingEvent{ConversationID: convID, UserID: uuid.New(), DisplayName: "ana", Typing: true})

	users := tr.TypingUsers(convID)
	require.Len(t, users, 2)
	assert.Equal(t, "ana", users[0].DisplayName)
	assert.Equal(t, "zoe", users[1].DisplayName)
}
