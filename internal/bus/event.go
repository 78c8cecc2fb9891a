package bus

import "time"

// Event kinds. Subscribers filter by prefix, so the part before the dot is
// the namespace.
const (
	KindRealtimeMessage  = "rt.message"
	KindRealtimeTyping   = "rt.typing"
	KindRealtimeReceipt  = "rt.read_receipt"
	KindRealtimePresence = "rt.presence"

	KindChannelState = "channel.state_changed"

	KindConversationUpdated = "conversation.updated"
	KindConversationDeleted = "conversation.deleted"
	KindConversationsLoaded = "conversation.snapshot"
	KindTypingChanged       = "presence.typing"
	KindOnlineChanged       = "presence.online"

	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindSessionStarted      = "session.started"
	KindSessionStopped      = "session.stopped"
	KindSessionUnauthorized = "session.unauthorized"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
