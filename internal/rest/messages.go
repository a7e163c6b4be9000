// Package rest holds the HTTP clients for the comms backend. History
// lives behind a REST endpoint rather than the socket, so cold loads
// and reconnect backfills do not compete with live traffic.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cargolink-comms/internal/domain"
	"cargolink-comms/pkg/logger"
)

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *errorDetail    `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessagesClient fetches conversation history pages. Implements the
// chat engine's HistoryFetcher.
type MessagesClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewMessagesClient creates a history client for the given backend
// base URL, e.g. https://comms.example.com/api/v1.
func NewMessagesClient(baseURL, token string) *MessagesClient {
	return &MessagesClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchPage loads one page of messages, newest page first. Raw wire
// payloads are normalized before they leave this package.
func (c *MessagesClient) FetchPage(ctx context.Context, conversationID uuid.UUID, page, limit int) (domain.MessagePage, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, conversationID)
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return domain.MessagePage{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		if env.Error != nil {
			return domain.MessagePage{}, fmt.Errorf("history service: %s: %s", env.Error.Code, env.Error.Message)
		}
		return domain.MessagePage{}, fmt.Errorf("history service: status %d", resp.StatusCode)
	}

	var payload struct {
		Messages []json.RawMessage `json:"messages"`
		Page     int               `json:"page"`
		HasMore  bool              `json:"has_more"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return domain.MessagePage{}, fmt.Errorf("decode page: %w", err)
	}

	out := domain.MessagePage{Page: payload.Page, HasMore: payload.HasMore}
	for _, raw := range payload.Messages {
		msg, err := domain.NormalizeMessage(raw)
		if err != nil {
			logger.Warn("message dropped during normalization",
				zap.String("conversation_id", conversationID.String()),
				zap.Error(err))
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}
