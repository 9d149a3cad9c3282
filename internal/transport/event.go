package transport

import "encoding/json"

// EventKind names a push event as it appears on the wire.
type EventKind string

const (
	MessageNew          EventKind = "message.new"
	MessageDeleted      EventKind = "message.deleted"
	MessagePinned       EventKind = "message.pinned"
	TypingStatus        EventKind = "typing.status"
	ReadReceipt         EventKind = "read.receipt"
	ConversationUpdated EventKind = "conversation.updated"
	ConversationCreated EventKind = "conversation.created"
)

// frame is the wire envelope for both directions: {"event": ..., "data": ...}.
type frame struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessagePayload is the wire form of a message.
type MessagePayload struct {
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

type MessageNewPayload struct {
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type MessagePinnedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Pinned         bool   `json:"pinned"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// ConversationPatch is a partial conversation update. Nil fields are left
// untouched when merged.
type ConversationPatch struct {
	Kind        *string         `json:"kind,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Avatar      *string         `json:"avatar,omitempty"`
	LastMessage *MessagePayload `json:"last_message,omitempty"`
	UnreadCount *int            `json:"unread_count,omitempty"`
	Pinned      *bool           `json:"pinned,omitempty"`
	Muted       *bool           `json:"muted,omitempty"`
	Archived    *bool           `json:"archived,omitempty"`
	IsOnline    *bool           `json:"is_online,omitempty"`
	UpdatedAtMS int64           `json:"updated_at_ms"`
}

type ConversationUpdatedPayload struct {
	ConversationID string            `json:"conversation_id"`
	Patch          ConversationPatch `json:"patch"`
}

// Outbound intent actions.
type intentFrame struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

const (
	actionSubscribe        = "subscribe"
	actionUnsubscribe      = "unsubscribe"
	actionSubscribeAccount = "subscribe_account"
	actionTyping           = "typing"
)
