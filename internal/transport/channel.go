package transport

import "context"

// Channel is one bidirectional push connection. Implementations decode wire
// frames into typed payloads and publish them on the bus under the "push."
// namespace; the subscription manager owns routing from there.
//
// The wire protocol itself (auth handshake, reconnection) is the backend's
// concern; this interface is only the event contract the engine depends on.
type Channel interface {
	// SubscribeConversation binds the per-conversation event stream.
	SubscribeConversation(ctx context.Context, conversationID string) error
	// UnsubscribeConversation releases a previously bound stream.
	UnsubscribeConversation(ctx context.Context, conversationID string) error
	// SubscribeAccount binds the account-wide stream (new conversations,
	// metadata changes, unread projections). Established once per session.
	SubscribeAccount(ctx context.Context) error
	// SendTyping signals the local user's typing state for a conversation.
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
	Close() error
}
