package bus

import "time"

// Event kinds routed through the bus. "push." kinds mirror the transport's
// wire events; "store." kinds signal local state changes to the view layer.
const (
	KindPushPrefix          = "push."
	KindMessageNew          = "push.message.new"
	KindMessageDeleted      = "push.message.deleted"
	KindMessagePinned       = "push.message.pinned"
	KindTypingStatus        = "push.typing.status"
	KindReadReceipt         = "push.read.receipt"
	KindConversationUpdated = "push.conversation.updated"
	KindConversationCreated = "push.conversation.created"

	KindStorePrefix          = "store."
	KindMessagesChanged      = "store.messages_changed"
	KindConversationsChanged = "store.conversations_changed"
	KindTypingChanged        = "store.typing_changed"
	KindMutationFailed       = "store.mutation_failed"

	KindChannelDegraded    = "channel.degraded"
	KindSubscriptionStatus = "subscription.status_changed"
)

// Event represents a domain event published on the bus. ConversationID is
// set for conversation-scoped events so routing can drop stale ones after
// the active conversation changes.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
