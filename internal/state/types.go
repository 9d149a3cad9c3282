package state

import "time"

// ConversationKind distinguishes direct chats from groups.
type ConversationKind string

const (
	OneToOne ConversationKind = "ONE_TO_ONE"
	Group    ConversationKind = "GROUP"
)

// MessageType is the content type of a message.
type MessageType string

const (
	Text  MessageType = "TEXT"
	Image MessageType = "IMAGE"
	File  MessageType = "FILE"
	Audio MessageType = "AUDIO"
)

// DeliveryState is the client-only lifecycle tag of a message record.
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Failed  DeliveryState = "failed"
)

// Message is one record in the active conversation's window. ID is a locally
// generated id while Delivery is Pending, and the server id afterwards.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Content        string
	Type           MessageType
	CreatedAt      time.Time
	Pinned         bool
	ReadCount      int
	Delivery       DeliveryState
}

// LastMessage is the preview projection a conversation carries.
type LastMessage struct {
	Content    string
	SenderName string
	Type       MessageType
	CreatedAt  time.Time
}

// Conversation is one entry in the conversation list.
type Conversation struct {
	ID          string
	Kind        ConversationKind
	Name        string
	Avatar      string
	LastMessage *LastMessage
	UnreadCount int
	Pinned      bool
	Muted       bool
	Archived    bool
	IsOnline    bool
	UpdatedAt   time.Time
}

// ConversationPatch is a partial conversation update from a push event.
// Nil fields leave the existing value untouched.
type ConversationPatch struct {
	Kind        *ConversationKind
	Name        *string
	Avatar      *string
	LastMessage *LastMessage
	UnreadCount *int
	Pinned      *bool
	Muted       *bool
	Archived    *bool
	IsOnline    *bool
	UpdatedAt   time.Time
}

// Page is the pagination cursor envelope REST list calls return.
type Page struct {
	NextCursor string
	HasMore    bool
}

// Filter narrows the derived conversation view.
type Filter struct {
	Kind            ConversationKind // empty = all kinds
	IncludeArchived bool
}
