package comms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cargolink-comms/internal/domain"
	"cargolink-comms/internal/transport/ws"
)

// echoRelay behaves like the relay's message path: it assigns a
// canonical id to submitted messages and echoes them back, and it can
// push arbitrary envelopes.
type echoRelay struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newEchoRelay(t *testing.T) *echoRelay {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r := &echoRelay{conns: make(chan *websocket.Conn, 4)}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		require.NoError(t, err)
		r.conns <- conn

		go func() {
			for {
				_, frame, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var env ws.Envelope
				if json.Unmarshal(frame, &env) != nil || env.Event != ws.EventMessage {
					continue
				}
				var create domain.MessageCreate
				if json.Unmarshal(env.Data, &create) != nil {
					continue
				}
				echo := domain.Message{
					MessageID:      uuid.New(),
					ConversationID: create.ConversationID,
					SenderID:       userIDFromToken(req),
					ReceiverID:     create.ReceiverID,
					Type:           create.MessageType,
					Content:        create.Content,
					Metadata:       create.Metadata,
					SentAt:         time.Now().UTC(),
					Status:         domain.MessageStatusSent,
				}
				data, _ := json.Marshal(echo)
				_ = conn.WriteJSON(ws.Envelope{Event: ws.EventMessage, Data: data, Timestamp: time.Now()})
			}
		}()
	}))
	t.Cleanup(r.Close)
	return r
}

func userIDFromToken(req *http.Request) uuid.UUID {
	id, _ := uuid.Parse(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
	return id
}

func (r *echoRelay) url() string {
	return "ws" + strings.TrimPrefix(r.URL, "http")
}

func (r *echoRelay) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	select {
	case conn := <-r.conns:
		r.conns <- conn
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(ws.Envelope{Event: event, Data: data, Timestamp: time.Now()}))
	case <-time.After(time.Second):
		t.Fatal("no relay connection")
	}
}

func newTestClient(t *testing.T, relay *echoRelay) *Client {
	t.Helper()
	userID := uuid.New()
	c := New(Options{
		UserID:      userID,
		DisplayName: "dispatcher",
		SocketURL:   relay.url(),
		// The relay test double reads the user id out of the token.
		Token:    userID.String(),
		PageSize: 50,
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendMessageResolvesThroughEcho(t *testing.T) {
	relay := newEchoRelay(t)
	c := newTestClient(t, relay)
	convID := uuid.New()

	handle, err := c.SendMessage(context.Background(), domain.MessageCreate{
		ConversationID: convID,
		Content:        "truck at the gate",
		MessageType:    domain.MessageTypeText,
	})
	require.NoError(t, err)

	eng := c.Conversation(convID)
	require.Eventually(t, func() bool {
		return !eng.Pending(handle)
	}, 2*time.Second, 10*time.Millisecond, "echo never resolved the send")

	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	assert.NotEqual(t, uuid.Nil, snap[0].MessageID)
	assert.Equal(t, domain.MessageStatusSent, snap[0].Status)
	assert.Equal(t, "truck at the gate", snap[0].Content)
}

func TestRemoteMessageLandsInTimeline(t *testing.T) {
	relay := newEchoRelay(t)
	c := newTestClient(t, relay)
	convID := uuid.New()

	relay.push(t, ws.EventMessage, domain.Message{
		MessageID:      uuid.New(),
		ConversationID: convID,
		SenderID:       uuid.New(),
		Type:           domain.MessageTypeText,
		Content:        "pickup rescheduled",
		SentAt:         time.Now(),
		Status:         domain.MessageStatusDelivered,
	})

	eng := c.Conversation(convID)
	require.Eventually(t, func() bool {
		return eng.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pickup rescheduled", eng.Snapshot()[0].Content)
}

func TestRemoteTypingReachesTracker(t *testing.T) {
	relay := newEchoRelay(t)
	c := newTestClient(t, relay)
	convID := uuid.New()

	relay.push(t, ws.EventTyping, domain.TypingEvent{
		ConversationID: convID,
		UserID:         uuid.New(),
		DisplayName:    "carrier-ops",
		Typing:         true,
		Timestamp:      time.Now(),
	})

	require.Eventually(t, func() bool {
		return len(c.Typing.TypingUsers(convID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIncomingOfferRings(t *testing.T) {
	relay := newEchoRelay(t)
	c := newTestClient(t, relay)

	callID := uuid.New()
	relay.push(t, ws.EventSignal, domain.Signal{
		Type:      domain.SignalTypeOffer,
		CallID:    callID,
		SenderID:  uuid.New(),
		Media:     domain.MediaTypeAudio,
		SDP:       "v=0",
		Timestamp: time.Now(),
	})

	require.Eventually(t, func() bool {
		sess, ok := c.Calls.Snapshot()
		return ok && sess.State == domain.CallStateRinging && sess.CallID == callID
	}, 2*time.Second, 10*time.Millisecond)

	rec, ok := c.Directory.Get(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStateRinging, rec.State)
}

func TestSendMessageFailsFastWhenOffline(t *testing.T) {
	c := New(Options{
		UserID:    uuid.New(),
		SocketURL: "ws://127.0.0.1:1/ws",
	})
	convID := uuid.New()

	handle, err := c.SendMessage(context.Background(), domain.MessageCreate{
		ConversationID: convID,
		Content:        "never leaves",
		MessageType:    domain.MessageTypeText,
	})
	require.Error(t, err)

	eng := c.Conversation(convID)
	assert.True(t, eng.Pending(handle), "failed send stays retryable")
	snap := eng.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.MessageStatusFailed, snap[0].Status)
}
