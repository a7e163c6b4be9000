// Package comms is the realtime communication core of the CargoLink
// marketplace client: calls, chat timelines and typing indicators,
// wired to the socket transport and the history REST endpoint.
package comms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cargolink-comms/internal/directory"
	"cargolink-comms/internal/domain"
	"cargolink-comms/internal/engine/call"
	"cargolink-comms/internal/engine/chat"
	"cargolink-comms/internal/engine/typing"
	"cargolink-comms/internal/rest"
	"cargolink-comms/internal/rtc"
	"cargolink-comms/internal/transport/ws"
	"cargolink-comms/pkg/logger"
)

// clientRefKey carries the optimistic-send correlation handle through
// the server echo.
const clientRefKey = "client_ref"

// Options configures a comms client.
type Options struct {
	UserID      uuid.UUID
	DisplayName string

	// SocketURL is the websocket endpoint; APIBaseURL the REST base,
	// e.g. https://comms.cargolink.io/api/v1.
	SocketURL  string
	APIBaseURL string
	Token      string

	ICEServers []string

	CallConfig   call.Config
	TypingConfig typing.Config
	PageSize     int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client composes the engines over one socket. Construct with New,
// then Connect.
type Client struct {
	opts   Options
	socket *ws.Client
	rest   *rest.MessagesClient

	Calls     *call.Engine
	Typing    *typing.Tracker
	Directory *directory.Directory

	mu            sync.Mutex
	conversations map[uuid.UUID]*chat.Engine
}

// New builds a client and wires inbound socket events to the engines.
func New(opts Options) *Client {
	c := &Client{
		opts:          opts,
		conversations: make(map[uuid.UUID]*chat.Engine),
	}

	c.socket = ws.NewClient(ws.Config{
		URL:          opts.SocketURL,
		Token:        opts.Token,
		ReconnectMin: opts.ReconnectMin,
		ReconnectMax: opts.ReconnectMax,
	})
	c.rest = rest.NewMessagesClient(opts.APIBaseURL, opts.Token)
	c.Directory = directory.New(0, nil)

	factory := rtc.NewFactory(rtc.Config{
		ICEServers:  opts.ICEServers,
		OnCandidate: c.forwardCandidate,
	})
	c.Calls = call.NewEngine(opts.UserID, c.socket, factory, c.Directory, opts.CallConfig)
	c.Typing = typing.NewTracker(opts.UserID, opts.DisplayName, c.socket, opts.TypingConfig)

	c.socket.On(ws.EventSignal, c.onSignal)
	c.socket.On(ws.EventMessage, c.onMessage)
	c.socket.On(ws.EventTyping, c.onTyping)

	return c
}

// Connect dials the socket.
func (c *Client) Connect(ctx context.Context) error {
	return c.socket.Connect(ctx)
}

// Close tears down the socket and the engines.
func (c *Client) Close() error {
	c.Calls.Dispose()
	c.Typing.Dispose()
	return c.socket.Close()
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool {
	return c.socket.IsConnected()
}

// Conversation returns the timeline engine for a conversation,
// creating it on first use.
func (c *Client) Conversation(conversationID uuid.UUID) *chat.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	eng, ok := c.conversations[conversationID]
	if !ok {
		eng = chat.NewEngine(conversationID, c.opts.UserID, c.rest, c.opts.PageSize)
		c.conversations[conversationID] = eng
	}
	return eng
}

// SendMessage adds an optimistic message to the conversation timeline
// and delivers it over the socket. The returned handle resolves once
// the server echo arrives; a delivery failure marks the message failed
// immediately.
func (c *Client) SendMessage(ctx context.Context, create domain.MessageCreate) (string, error) {
	eng := c.Conversation(create.ConversationID)

	if create.Metadata == nil {
		create.Metadata = make(map[string]interface{})
	}
	handle, _ := eng.ApplyLocalSend(create)
	create.Metadata[clientRefKey] = handle

	if err := c.socket.SendMessage(ctx, create); err != nil {
		if ferr := eng.FailLocalSend(handle); ferr != nil {
			logger.Warn("pending send not marked failed", zap.Error(ferr))
		}
		return handle, err
	}
	return handle, nil
}

func (c *Client) onSignal(data json.RawMessage) {
	sig, err := domain.NormalizeSignal(data)
	if err != nil {
		logger.Warn("signal dropped at normalization", zap.Error(err))
		return
	}
	if sig.SenderID == c.opts.UserID {
		return
	}
	c.Calls.HandleRemoteSignal(sig)
}

func (c *Client) onMessage(data json.RawMessage) {
	msg, err := domain.NormalizeMessage(data)
	if err != nil {
		logger.Warn("message dropped at normalization", zap.Error(err))
		return
	}
	eng := c.Conversation(msg.ConversationID)

	if msg.SenderID == c.opts.UserID {
		// Server echo of an own send; resolve the pending entry it
		// refers to.
		ref, _ := msg.Metadata[clientRefKey].(string)
		if ref == "" {
			return
		}
		if err := eng.ResolveLocalSend(ref, msg); err != nil && !errors.Is(err, domain.ErrStaleHandle) {
			logger.Warn("own echo not reconciled", zap.Error(err))
		}
		return
	}
	eng.ApplyRemoteEvent(msg)
}

func (c *Client) onTyping(data json.RawMessage) {
	ev, err := domain.NormalizeTypingEvent(data)
	if err != nil {
		logger.Warn("typing event dropped at normalization", zap.Error(err))
		return
	}
	c.Typing.HandleRemoteEvent(ev)
}

// forwardCandidate relays a local ICE candidate to the current call's
// remote party.
func (c *Client) forwardCandidate(candidate map[string]interface{}) {
	sess, ok := c.Calls.Snapshot()
	if !ok || sess.State.Terminal() {
		return
	}
	target := sess.CalleeID
	if sess.Role == domain.CallRoleReceiver {
		target = sess.CallerID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.socket.SendSignal(ctx, domain.Signal{
		Type:      domain.SignalTypeICE,
		CallID:    sess.CallID,
		SenderID:  c.opts.UserID,
		TargetID:  target,
		Candidate: candidate,
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.Debug("ice candidate not delivered", zap.Error(err))
	}
}
