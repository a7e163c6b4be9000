// Package ws is the relay's websocket edge: one socket per user
// multiplexing chat, signaling and typing envelopes, with redis
// pub/sub fan-out so delivery works across relay instances.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/internal/service/history"
	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/metrics"
)

// Envelope event names, mirrored by the client transport.
const (
	EventMessage = "message"
	EventSignal  = "signal"
	EventTyping  = "typing"
)

// Envelope frames one event on the wire.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // The relay sits behind the gateway; origin is enforced there.
	},
}

// CallStore persists call records derived from signaling traffic.
type CallStore interface {
	SaveCall(ctx context.Context, rec domain.CallRecord) error
}

// Client is one connected socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

type delivery struct {
	userID uuid.UUID
	frame  []byte
}

// Hub routes envelopes between connected users.
type Hub struct {
	redisClient *redis.Client
	history     *history.Service
	calls       CallStore
	appMetrics  *metrics.Metrics

	mu         sync.RWMutex
	users      map[uuid.UUID]map[*Client]bool
	subCancels map[uuid.UUID]context.CancelFunc
	liveCalls  map[uuid.UUID]domain.CallRecord

	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
}

// NewHub creates a hub and starts its routing loop. calls and
// appMetrics may be nil.
func NewHub(redisClient *redis.Client, hist *history.Service, calls CallStore, appMetrics *metrics.Metrics) *Hub {
	h := &Hub{
		redisClient: redisClient,
		history:     hist,
		calls:       calls,
		appMetrics:  appMetrics,
		users:       make(map[uuid.UUID]map[*Client]bool),
		subCancels:  make(map[uuid.UUID]context.CancelFunc),
		liveCalls:   make(map[uuid.UUID]domain.CallRecord),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		deliver:     make(chan delivery, 256),
	}

	go h.run()

	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.users[client.userID] == nil {
				h.users[client.userID] = make(map[*Client]bool)

				ctx, cancel := context.WithCancel(context.Background())
				h.subCancels[client.userID] = cancel
				go h.subscribeToUser(ctx, client.userID)
			}
			h.users[client.userID][client] = true
			total := h.connectionCountLocked()
			h.mu.Unlock()
			if h.appMetrics != nil {
				h.appMetrics.SetWebSocketConnections(total)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.users[client.userID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)

					if len(clients) == 0 {
						delete(h.users, client.userID)
						if cancel, ok := h.subCancels[client.userID]; ok {
							cancel()
							delete(h.subCancels, client.userID)
						}
					}
				}
			}
			total := h.connectionCountLocked()
			h.mu.Unlock()
			if h.appMetrics != nil {
				h.appMetrics.SetWebSocketConnections(total)
			}

		case d := <-h.deliver:
			h.mu.RLock()
			for client := range h.users[d.userID] {
				select {
				case client.send <- d.frame:
				default:
					close(client.send)
					delete(h.users[d.userID], client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) connectionCountLocked() int {
	total := 0
	for _, clients := range h.users {
		total += len(clients)
	}
	return total
}

// subscribeToUser mirrors the user's redis channel into local
// delivery. One subscription per locally connected user.
func (h *Hub) subscribeToUser(ctx context.Context, userID uuid.UUID) {
	channel := fmt.Sprintf("comms:user:%s", userID)
	pubsub := h.redisClient.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.deliver <- delivery{userID: userID, frame: []byte(msg.Payload)}
		}
	}
}

// publish routes one envelope to a user, via redis so any relay
// instance holding their socket gets it.
func (h *Hub) publish(ctx context.Context, userID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	channel := fmt.Sprintf("comms:user:%s", userID)
	if err := h.redisClient.Publish(ctx, channel, frame).Err(); err != nil {
		logger.Error("redis publish failed",
			zap.String("channel", channel),
			zap.Error(err))
		if h.appMetrics != nil {
			h.appMetrics.RecordWebSocketError("publish")
		}
	}
}

// ServeWS upgrades one connection. Identity comes from the gateway via
// the X-User-ID header or user_id query parameter.
func (h *Hub) ServeWS(c *gin.Context) {
	userIDStr := c.GetHeader("X-User-ID")
	if userIDStr == "" {
		userIDStr = c.Query("user_id")
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "valid user_id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("socket read failed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		if c.hub.appMetrics != nil {
			c.hub.appMetrics.RecordWebSocketMessage(env.Event, "inbound")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.hub.route(ctx, c.userID, env)
		cancel()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if c.hub.appMetrics != nil {
				c.hub.appMetrics.RecordWebSocketMessage("envelope", "outbound")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route dispatches one inbound envelope to its recipients.
func (h *Hub) route(ctx context.Context, senderID uuid.UUID, env Envelope) {
	switch env.Event {
	case EventMessage:
		var create domain.MessageCreate
		if err := json.Unmarshal(env.Data, &create); err != nil || create.ConversationID == uuid.Nil {
			logger.Warn("invalid message submission", zap.Error(err))
			return
		}
		msg := history.Canonicalize(senderID, create)
		h.history.Append(msg)
		if h.appMetrics != nil {
			h.appMetrics.RecordMessage(string(msg.Type))
		}

		// The echo carries the server-assigned id back to the sender.
		h.publish(ctx, senderID, EventMessage, msg)
		for _, target := range h.targets(msg.ConversationID, msg.ReceiverID, senderID) {
			h.history.MarkDelivered(msg.ConversationID, msg.MessageID)
			delivered := msg
			delivered.Status = domain.MessageStatusDelivered
			h.publish(ctx, target, EventMessage, delivered)
		}

	case EventTyping:
		ev, err := domain.NormalizeTypingEvent(env.Data)
		if err != nil {
			logger.Warn("invalid typing event", zap.Error(err))
			return
		}
		ev.UserID = senderID
		for _, target := range h.targets(ev.ConversationID, uuid.Nil, senderID) {
			h.publish(ctx, target, EventTyping, ev)
		}

	case EventSignal:
		sig, err := domain.NormalizeSignal(env.Data)
		if err != nil {
			logger.Warn("invalid signal", zap.Error(err))
			return
		}
		sig.SenderID = senderID
		if sig.TargetID == uuid.Nil {
			logger.Warn("signal without target dropped",
				zap.String("type", sig.Type),
				zap.String("call_id", sig.CallID.String()))
			return
		}
		h.trackCall(ctx, sig)
		h.publish(ctx, sig.TargetID, EventSignal, sig)

	default:
		logger.Debug("unhandled event", zap.String("event", env.Event))
	}
}

// targets resolves the recipients of a conversation-scoped event:
// the explicit receiver when given, otherwise every participant the
// history has seen, minus the sender.
func (h *Hub) targets(conversationID, receiverID, senderID uuid.UUID) []uuid.UUID {
	if receiverID != uuid.Nil {
		return []uuid.UUID{receiverID}
	}
	var out []uuid.UUID
	for _, id := range h.history.Participants(conversationID) {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

// trackCall derives call records from the signaling it relays.
func (h *Hub) trackCall(ctx context.Context, sig domain.Signal) {
	h.mu.Lock()
	switch sig.Type {
	case domain.SignalTypeOffer:
		h.liveCalls[sig.CallID] = domain.CallRecord{
			CallID:    sig.CallID,
			CallerID:  sig.SenderID,
			CalleeID:  sig.TargetID,
			Media:     sig.Media,
			State:     domain.CallStateRinging,
			StartedAt: sig.Timestamp,
		}
		live := len(h.liveCalls)
		h.mu.Unlock()
		if h.appMetrics != nil {
			h.appMetrics.RecordCall(string(sig.Media), "offered")
			h.appMetrics.SetActiveCalls(live)
		}
		return

	case domain.SignalTypeAnswer:
		if rec, ok := h.liveCalls[sig.CallID]; ok {
			rec.State = domain.CallStateActive
			h.liveCalls[sig.CallID] = rec
		}
		h.mu.Unlock()
		return

	case domain.SignalTypeEnd, domain.SignalTypeDecline, domain.SignalTypeCancel, domain.SignalTypeBusy:
		rec, ok := h.liveCalls[sig.CallID]
		if !ok {
			h.mu.Unlock()
			return
		}
		delete(h.liveCalls, sig.CallID)
		live := len(h.liveCalls)
		h.mu.Unlock()
		if h.appMetrics != nil {
			h.appMetrics.SetActiveCalls(live)
		}

		now := time.Now().UTC()
		rec.EndedAt = &now
		if rec.State == domain.CallStateActive {
			rec.Duration = int(now.Sub(rec.StartedAt) / time.Second)
		}
		rec.State = domain.CallStateEnded
		rec.Reason = sig.Reason
		if rec.Reason == "" {
			rec.Reason = endReasonFor(sig.Type)
		}
		if h.appMetrics != nil {
			h.appMetrics.RecordCall(string(rec.Media), string(rec.Reason))
			if rec.Duration > 0 {
				h.appMetrics.RecordCallDuration(string(rec.Media), time.Duration(rec.Duration)*time.Second)
			}
		}
		if h.calls != nil {
			if err := h.calls.SaveCall(ctx, rec); err != nil {
				logger.Error("call record not persisted",
					zap.String("call_id", rec.CallID.String()),
					zap.Error(err))
			}
		}
		return
	}
	h.mu.Unlock()
}

func endReasonFor(sigType string) domain.EndReason {
	switch sigType {
	case domain.SignalTypeDecline:
		return domain.EndReasonDeclined
	case domain.SignalTypeCancel:
		return domain.EndReasonCancelled
	case domain.SignalTypeBusy:
		return domain.EndReasonBusy
	default:
		return domain.EndReasonHangup
	}
}
