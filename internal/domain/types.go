package domain

import (
	"time"
)

// MessageType enumerates the content kinds the backend accepts.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageEmoji MessageType = "EMOJI"
)

// Identity is the authenticated local user. Owned by the backend.
type Identity struct {
	ID        int64  `json:"id" validate:"required,gt=0"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Age       int    `json:"age" validate:"gte=0"`
	City      string `json:"city"`
	Biography string `json:"biography,omitempty"`
}

// DisplayName returns the best human-readable name for the identity.
func (i Identity) DisplayName() string {
	switch {
	case i.Name != "":
		return i.Name
	case i.FirstName != "" || i.LastName != "":
		if i.LastName == "" {
			return i.FirstName
		}
		if i.FirstName == "" {
			return i.LastName
		}
		return i.FirstName + " " + i.LastName
	default:
		return i.Username
	}
}

// Profile is a snapshot of a peer as seen in a conversation or match.
type Profile struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	Age          int    `json:"age"`
	City         string `json:"city"`
	Biography    string `json:"biography,omitempty"`
	MainPhotoURL string `json:"mainPhotoUrl,omitempty"`
}

// Message is a chat message. ID is assigned by the backend; optimistic
// entries carry a ClientID and ID 0 until reconciled.
type Message struct {
	ID         int64       `json:"id"`
	ClientID   string      `json:"clientId,omitempty"`
	SenderID   int64       `json:"senderId"`
	ReceiverID int64       `json:"receiverId"`
	Content    string      `json:"content"`
	Type       MessageType `json:"messageType"`
	Read       bool        `json:"isRead"`
	CreatedAt  time.Time   `json:"createdAt"`
	ReadAt     *time.Time  `json:"readAt,omitempty"`
	Pending    bool        `json:"pending,omitempty"`
	Failed     bool        `json:"failed,omitempty"`
}

// Provisional reports whether the message has no authoritative id yet.
func (m Message) Provisional() bool {
	return m.ID == 0 && m.ClientID != ""
}

// PeerOf returns the non-self participant of the message.
func (m Message) PeerOf(self int64) int64 {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation is the client-side view of a two-party conversation.
type Conversation struct {
	Peer          Profile   `json:"peer"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	Recent        []Message `json:"recentMessages"`
	Online        bool      `json:"isOnline"`
	Typing        bool      `json:"isTyping"`
}

// Clone returns a deep copy safe to mutate.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	out.Recent = append([]Message(nil), c.Recent...)
	return out
}

// Match is a mutual like with a peer.
type Match struct {
	Peer      Profile   `json:"peer"`
	MatchedAt time.Time `json:"matchedAt"`
	HasUnread bool      `json:"hasUnreadMessages"`
}

// OutboundMessage is a send request for a peer.
type OutboundMessage struct {
	ClientID   string      `json:"clientId,omitempty"`
	SenderID   int64       `json:"senderId" validate:"required,gt=0"`
	ReceiverID int64       `json:"receiverId" validate:"required,gt=0,nefield=SenderID"`
	Content    string      `json:"content" validate:"required,max=4000"`
	Type       MessageType `json:"messageType" validate:"required,oneof=TEXT IMAGE EMOJI"`
}

// TypingEvent signals a peer started or stopped typing.
type TypingEvent struct {
	SenderID   int64 `json:"senderId" validate:"required,gt=0"`
	ReceiverID int64 `json:"receiverId" validate:"required,gt=0"`
	IsTyping   bool  `json:"isTyping"`
}

// ReadReceipt signals a peer read one of our messages.
type ReadReceipt struct {
	MessageID int64     `json:"messageId"`
	ReadBy    int64     `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// PresenceEvent reports a peer's online state.
type PresenceEvent struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}
