// Package ws is the client side of the realtime socket: one gorilla
// connection multiplexing chat, signaling and typing events. The
// engines talk to it through small interfaces; they never see frames.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/pkg/logger"
	"cargolink-comms/pkg/metrics"
)

// Envelope event names. Every frame on the socket is an Envelope.
const (
	EventMessage = "message"
	EventSignal  = "signal"
	EventTyping  = "typing"
	EventStatus  = "status"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Envelope frames one event on the wire.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler consumes the raw payload of one inbound event. Payloads are
// raw on purpose: normalization happens in domain/wire.go, not here.
type Handler func(data json.RawMessage)

// Config for the socket client.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://comms.example.com/ws.
	URL string

	// Token is sent as a bearer header during the handshake.
	Token string

	// ReconnectMin/Max bound the backoff between redial attempts.
	// Zero values disable reconnection.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client owns one socket connection and its pumps. Safe for concurrent
// use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	send      chan []byte
	handlers  map[string][]Handler
	connected bool
	closed    bool
	done      chan struct{}
}

// NewClient creates a socket client. Call Connect to dial.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
}

// On registers a handler for an inbound event. Register before
// Connect; handlers run on the read pump goroutine.
func (c *Client) On(event string, fn Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Connect dials the endpoint and starts the pumps. With reconnection
// configured, a dropped connection is redialed with capped backoff
// until Close.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	if c.cfg.ReconnectMin > 0 {
		go c.reconnectLoop()
	}
	return nil
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears the connection down and stops reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	return nil
}

// Emit queues one event for delivery. Fails fast when the socket is
// down or the send buffer is full; callers own their retry policy.
func (c *Client) Emit(ctx context.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.RLock()
	connected, send := c.connected, c.send
	c.mu.RUnlock()
	if !connected {
		return domain.ErrSignalDeliveryFailed
	}

	select {
	case send <- frame:
		metrics.SocketFramesTotal.WithLabelValues("outbound").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrSignalDeliveryFailed)
	}
}

// SendSignal delivers a call signaling message. Implements the call
// engine's SignalSender.
func (c *Client) SendSignal(ctx context.Context, sig domain.Signal) error {
	return c.Emit(ctx, EventSignal, sig)
}

// SendTyping delivers a typing event. Implements the typing tracker's
// Signaler.
func (c *Client) SendTyping(ctx context.Context, ev domain.TypingEvent) error {
	return c.Emit(ctx, EventTyping, ev)
}

// SendMessage delivers an outbound chat message over the socket.
func (c *Client) SendMessage(ctx context.Context, create domain.MessageCreate) error {
	return c.Emit(ctx, EventMessage, create)
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: status %d: %v", domain.ErrConnectionFailed, c.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionFailed, c.cfg.URL, err)
	}

	send := make(chan []byte, sendBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrConnectionFailed
	}
	c.conn = conn
	c.send = send
	c.connected = true
	c.mu.Unlock()
	metrics.SocketConnected.Set(1)

	go c.writePump(conn, send)
	go c.readPump(conn)
	logger.Info("socket connected", zap.String("url", c.cfg.URL))
	return nil
}

// readPump dispatches inbound frames until the connection dies.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.markDisconnected(conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("socket read failed", zap.Error(err))
				metrics.SocketErrorsTotal.WithLabelValues("read").Inc()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			logger.Warn("malformed frame dropped", zap.Error(err))
			metrics.SocketErrorsTotal.WithLabelValues("decode").Inc()
			continue
		}
		metrics.SocketFramesTotal.WithLabelValues("inbound").Inc()

		c.mu.RLock()
		handlers := c.handlers[env.Event]
		c.mu.RUnlock()
		if len(handlers) == 0 {
			logger.Debug("unhandled event", zap.String("event", env.Event))
			continue
		}
		for _, fn := range handlers {
			fn(env.Data)
		}
	}
}

// writePump owns all writes to the connection, ping keepalives
// included.
func (c *Client) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				metrics.SocketErrorsTotal.WithLabelValues("write").Inc()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	metrics.SocketConnected.Set(0)
}

// reconnectLoop redials with exponential backoff whenever the
// connection drops.
func (c *Client) reconnectLoop() {
	backoff := c.cfg.ReconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		if c.IsConnected() {
			backoff = c.cfg.ReconnectMin
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			logger.Warn("redial failed", zap.Duration("backoff", backoff), zap.Error(err))
			backoff *= 2
			if max := c.cfg.ReconnectMax; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}
		backoff = c.cfg.ReconnectMin
	}
}
