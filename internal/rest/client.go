package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/errs"
	"github.com/dmarins/chatsync/internal/state"
)

// Client is the typed REST client the stores consume. Reads fail with a
// FetchError, writes with a MutationError, so the stores can tell "report to
// caller" apart from "roll back the optimistic change".
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client (used in tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a REST client rooted at baseURL, authenticating with the
// session bearer token.
func NewClient(baseURL, token string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wire DTOs.

type messageDTO struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	SenderAvatar   string `json:"sender_avatar,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	CreatedAtMS    int64  `json:"created_at_ms"`
	Pinned         bool   `json:"pinned"`
	ReadCount      int    `json:"read_count"`
}

type conversationDTO struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Name        string      `json:"name"`
	Avatar      string      `json:"avatar,omitempty"`
	LastMessage *messageDTO `json:"last_message,omitempty"`
	UnreadCount int         `json:"unread_count"`
	Pinned      bool        `json:"pinned"`
	Muted       bool        `json:"muted"`
	Archived    bool        `json:"archived"`
	IsOnline    bool        `json:"is_online"`
	UpdatedAtMS int64       `json:"updated_at_ms"`
}

type pageDTO struct {
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

type errorDTO struct {
	Error string `json:"error"`
}

func toMessage(d messageDTO) state.Message {
	return state.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		SenderAvatar:   d.SenderAvatar,
		Content:        d.Content,
		Type:           state.MessageType(d.Type),
		CreatedAt:      time.UnixMilli(d.CreatedAtMS),
		Pinned:         d.Pinned,
		ReadCount:      d.ReadCount,
		Delivery:       state.Sent,
	}
}

func toConversation(d conversationDTO) state.Conversation {
	c := state.Conversation{
		ID:          d.ID,
		Kind:        state.ConversationKind(d.Kind),
		Name:        d.Name,
		Avatar:      d.Avatar,
		UnreadCount: d.UnreadCount,
		Pinned:      d.Pinned,
		Muted:       d.Muted,
		Archived:    d.Archived,
		IsOnline:    d.IsOnline,
		UpdatedAt:   time.UnixMilli(d.UpdatedAtMS),
	}
	if d.LastMessage != nil {
		c.LastMessage = &state.LastMessage{
			Content:    d.LastMessage.Content,
			SenderName: d.LastMessage.SenderName,
			Type:       state.MessageType(d.LastMessage.Type),
			CreatedAt:  time.UnixMilli(d.LastMessage.CreatedAtMS),
		}
	}
	return c
}

// ListConversations fetches one page of the conversation list.
func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) ([]state.Conversation, state.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Conversations []conversationDTO `json:"conversations"`
		Page          pageDTO           `json:"page"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &resp, errs.CodeFetch); err != nil {
		return nil, state.Page{}, err
	}
	out := make([]state.Conversation, 0, len(resp.Conversations))
	for _, d := range resp.Conversations {
		out = append(out, toConversation(d))
	}
	return out, state.Page{NextCursor: resp.Page.NextCursor, HasMore: resp.Page.HasMore}, nil
}

// GetConversation fetches one conversation's full record, used to hydrate
// conversations first seen through a push event.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (state.Conversation, error) {
	var resp struct {
		Conversation conversationDTO `json:"conversation"`
	}
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, errs.CodeFetch); err != nil {
		return state.Conversation{}, err
	}
	return toConversation(resp.Conversation), nil
}

// ListMessages fetches one page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]state.Message, state.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Messages []messageDTO `json:"messages"`
		Page     pageDTO      `json:"page"`
	}
	path := fmt.Sprintf("/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode())
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, errs.CodeFetch); err != nil {
		return nil, state.Page{}, err
	}
	out := make([]state.Message, 0, len(resp.Messages))
	for _, d := range resp.Messages {
		out = append(out, toMessage(d))
	}
	return out, state.Page{NextCursor: resp.Page.NextCursor, HasMore: resp.Page.HasMore}, nil
}

// SendMessage submits a message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, typ state.MessageType) (state.Message, error) {
	body := map[string]string{"content": content, "type": string(typ)}
	var resp struct {
		Message messageDTO `json:"message"`
	}
	path := fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodPost, path, body, &resp, errs.CodeMutation); err != nil {
		return state.Message{}, err
	}
	return toMessage(resp.Message), nil
}

// DeleteMessage removes a message remotely.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	path := fmt.Sprintf("/conversations/%s/messages/%s", url.PathEscape(conversationID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil, nil, errs.CodeMutation)
}

// PinMessage toggles a message's pinned flag remotely.
func (c *Client) PinMessage(ctx context.Context, conversationID, messageID string, pinned bool) error {
	path := fmt.Sprintf("/conversations/%s/messages/%s/pin", url.PathEscape(conversationID), url.PathEscape(messageID))
	return c.do(ctx, http.MethodPut, path, map[string]bool{"pinned": pinned}, nil, errs.CodeMutation)
}

// PinConversation toggles a conversation's pinned flag remotely.
func (c *Client) PinConversation(ctx context.Context, conversationID string, pinned bool) error {
	path := fmt.Sprintf("/conversations/%s/pin", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPut, path, map[string]bool{"pinned": pinned}, nil, errs.CodeMutation)
}

// MuteConversation toggles a conversation's muted flag remotely.
func (c *Client) MuteConversation(ctx context.Context, conversationID string, muted bool) error {
	path := fmt.Sprintf("/conversations/%s/mute", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPut, path, map[string]bool{"muted": muted}, nil, errs.CodeMutation)
}

// ArchiveConversation toggles a conversation's archived flag remotely.
func (c *Client) ArchiveConversation(ctx context.Context, conversationID string, archived bool) error {
	path := fmt.Sprintf("/conversations/%s/archive", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPut, path, map[string]bool{"archived": archived}, nil, errs.CodeMutation)
}

// DeleteConversation removes a conversation remotely.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, errs.CodeMutation)
}

// MarkRead confirms a conversation has been read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil, errs.CodeMutation)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, failCode errs.Code) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(failCode, method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorDTO
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = resp.Status
		}
		return errs.Wrap(failCode, msg, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(failCode, "decode response", err)
		}
	}
	return nil
}
