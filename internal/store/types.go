package store

// Outbox statuses. An entry moves queued -> sending -> (published | sent | failed);
// published entries become sent once the realtime echo reveals the server id.
const (
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxPublished = "published"
	OutboxSent      = "sent"
	OutboxFailed    = "failed"
)

// OutboxEntry represents an outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	SenderID     int64
	PeerID       int64
	Body         string
	MessageType  string
	Status       string
	Path         string // "channel" or "rest" once delivered
	ErrorMessage string
	ServerMsgID  int64
	Attempts     int
	CreatedAt    int64
	UpdatedAt    int64
}
