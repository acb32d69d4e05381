package bus

import "time"

// Notification kinds published by the realtime components. Subscribers
// filter on the namespace prefix ("connection.", "messaging.", ...).
const (
	ConnectionStateChanged = "connection.state_changed"

	ConversationUpserted = "messaging.conversation_upserted"
	MessageUpserted      = "messaging.message_upserted"
	MessagesLoaded       = "messaging.messages_loaded"
	ConversationRemoved  = "messaging.conversation_removed"
	TypingChanged        = "messaging.typing_changed"
	PresenceChanged      = "messaging.presence_changed"

	CallStateChanged = "calls.state_changed"

	StoryUpserted = "stories.upserted"
	StoryExpired  = "stories.expired"

	BatchPersisted = "sync.batch_persisted"
)

// Event is a state-change notification fanned out to local consumers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
