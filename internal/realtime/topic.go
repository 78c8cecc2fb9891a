package realtime

import "fmt"

// Topic is a per-user queue the channel subscribes to.
type Topic string

const (
	TopicMessages     Topic = "messages"
	TopicTyping       Topic = "typing"
	TopicReadReceipts Topic = "read-receipts"
	TopicPresence     Topic = "presence"
)

// Topics lists every topic subscribed on connect.
var Topics = []Topic{TopicMessages, TopicTyping, TopicReadReceipts, TopicPresence}

// Publish destinations.
const (
	DestSendMessage = "/app/chat.sendMessage"
	DestTyping      = "/app/chat.typing"
)

// Destination returns the user-scoped queue for topic.
func Destination(userID int64, t Topic) string {
	return fmt.Sprintf("/user/%d/queue/%s", userID, t)
}
