package domain

import (
	"fmt"
	"time"
)

// MessagePayload is the backend's MessageResponse shape, shared by the
// REST history endpoints and the realtime messages topic.
type MessagePayload struct {
	ID          int64     `json:"id" validate:"gte=0"`
	ClientID    string    `json:"clientId,omitempty"`
	SenderID    int64     `json:"senderId" validate:"required,gt=0"`
	ReceiverID  int64     `json:"receiverId" validate:"required,gt=0"`
	Content     string    `json:"content"`
	IsRead      bool      `json:"isRead"`
	MessageType string    `json:"messageType" validate:"omitempty,oneof=TEXT IMAGE EMOJI"`
	CreatedAt   Timestamp `json:"createdAt"`
	ReadAt      Timestamp `json:"readAt"`
}

// ToMessage converts a validated payload into a domain message.
func (p MessagePayload) ToMessage() Message {
	m := Message{
		ID:         p.ID,
		ClientID:   p.ClientID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		Type:       MessageType(p.MessageType),
		Read:       p.IsRead,
		CreatedAt:  p.CreatedAt.Time,
	}
	if m.Type == "" {
		m.Type = MessageText
	}
	if !p.ReadAt.IsZero() {
		readAt := p.ReadAt.Time
		m.ReadAt = &readAt
	}
	return m
}

// ConversationPayload is the backend's ConversationResponse shape.
type ConversationPayload struct {
	PartnerID           int64            `json:"partnerId" validate:"required,gt=0"`
	PartnerUsername     string           `json:"partnerUsername"`
	PartnerName         string           `json:"partnerName"`
	PartnerAge          int              `json:"partnerAge"`
	PartnerCity         string           `json:"partnerCity"`
	PartnerMainPhotoURL string           `json:"partnerMainPhotoUrl"`
	LastMessage         *MessagePayload  `json:"lastMessage" validate:"omitempty"`
	LastMessageAt       Timestamp        `json:"lastMessageAt"`
	UnreadCount         int              `json:"unreadCount" validate:"gte=0"`
	IsOnline            bool             `json:"isOnline"`
	RecentMessages      []MessagePayload `json:"recentMessages" validate:"dive"`
}

// ToConversation converts a validated payload into a domain conversation.
// Recent messages are returned oldest-first.
func (p ConversationPayload) ToConversation() Conversation {
	c := Conversation{
		Peer: Profile{
			ID:           p.PartnerID,
			Username:     p.PartnerUsername,
			Name:         p.PartnerName,
			Age:          p.PartnerAge,
			City:         p.PartnerCity,
			MainPhotoURL: p.PartnerMainPhotoURL,
		},
		LastMessageAt: p.LastMessageAt.Time,
		UnreadCount:   p.UnreadCount,
		Online:        p.IsOnline,
	}
	for _, rm := range p.RecentMessages {
		c.Recent = append(c.Recent, rm.ToMessage())
	}
	SortMessages(c.Recent)
	if p.LastMessage != nil {
		lm := p.LastMessage.ToMessage()
		c.LastMessage = &lm
		if c.LastMessageAt.IsZero() {
			c.LastMessageAt = lm.CreatedAt
		}
	} else if n := len(c.Recent); n > 0 {
		lm := c.Recent[n-1]
		c.LastMessage = &lm
		if c.LastMessageAt.IsZero() {
			c.LastMessageAt = lm.CreatedAt
		}
	}
	return c
}

// UserPayload is the backend's user shape embedded in legacy match records.
type UserPayload struct {
	ID           int64  `json:"id" validate:"required,gt=0"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	Age          int    `json:"age"`
	City         string `json:"city"`
	Biography    string `json:"biography"`
	MainPhotoURL string `json:"mainPhotoUrl"`
}

func (u UserPayload) profile() Profile {
	return Profile{
		ID:           u.ID,
		Username:     u.Username,
		Name:         u.Name,
		Age:          u.Age,
		City:         u.City,
		Biography:    u.Biography,
		MainPhotoURL: u.MainPhotoURL,
	}
}

// MatchPayload covers both match shapes the backend has shipped: the flat
// form keyed by matchedUserId and the pair form with user1/user2.
type MatchPayload struct {
	MatchedUserID     int64        `json:"matchedUserId"`
	Username          string       `json:"username"`
	Name              string       `json:"name"`
	Age               int          `json:"age"`
	City              string       `json:"city"`
	Biography         string       `json:"biography"`
	MainPhotoURL      string       `json:"mainPhotoUrl"`
	MatchedAt         Timestamp    `json:"matchedAt"`
	HasUnreadMessages bool         `json:"hasUnreadMessages"`
	User1             *UserPayload `json:"user1" validate:"omitempty"`
	User2             *UserPayload `json:"user2" validate:"omitempty"`
}

// Normalize resolves the payload into a Match from self's point of view.
func (p MatchPayload) Normalize(self int64) (Match, error) {
	m := Match{MatchedAt: p.MatchedAt.Time, HasUnread: p.HasUnreadMessages}
	switch {
	case p.MatchedUserID > 0:
		m.Peer = Profile{
			ID:           p.MatchedUserID,
			Username:     p.Username,
			Name:         p.Name,
			Age:          p.Age,
			City:         p.City,
			Biography:    p.Biography,
			MainPhotoURL: p.MainPhotoURL,
		}
	case p.User1 != nil && p.User2 != nil:
		switch self {
		case p.User1.ID:
			m.Peer = p.User2.profile()
		case p.User2.ID:
			m.Peer = p.User1.profile()
		default:
			return Match{}, fmt.Errorf("%w: match between %d and %d does not involve user %d", ErrInvalid, p.User1.ID, p.User2.ID, self)
		}
	default:
		return Match{}, fmt.Errorf("%w: match has neither matchedUserId nor user1/user2", ErrInvalid)
	}
	return m, nil
}

// TypingPayload is the typing topic shape.
type TypingPayload struct {
	SenderID   int64 `json:"senderId" validate:"required,gt=0"`
	ReceiverID int64 `json:"receiverId"`
	IsTyping   bool  `json:"isTyping"`
}

// ReadReceiptPayload is the read-receipts topic shape.
type ReadReceiptPayload struct {
	MessageID int64     `json:"messageId" validate:"required,gt=0"`
	ReadBy    int64     `json:"readBy" validate:"required,gt=0"`
	ReadAt    Timestamp `json:"readAt"`
}

// ToReceipt converts the payload, defaulting the read time to now.
func (p ReadReceiptPayload) ToReceipt() ReadReceipt {
	readAt := p.ReadAt.Time
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	return ReadReceipt{MessageID: p.MessageID, ReadBy: p.ReadBy, ReadAt: readAt}
}

// PresencePayload is the presence topic shape.
type PresencePayload struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
	Online bool  `json:"online"`
}
