package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/tandem/internal/domain"
)

// ListConversations returns every conversation, most recent first.
func (h *Handler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.sync.Conversations()})
}

// GetConversation returns one conversation.
func (h *Handler) GetConversation(c *gin.Context) {
	peer, ok := parsePeer(c)
	if !ok {
		return
	}
	conv, found := h.sync.Conversation(peer)
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found", Code: CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation deletes the conversation on the backend and locally.
func (h *Handler) DeleteConversation(c *gin.Context) {
	peer, ok := parsePeer(c)
	if !ok {
		return
	}
	if err := h.sync.Delete(c.Request.Context(), peer); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetMessages loads the full history with a peer.
func (h *Handler) GetMessages(c *gin.Context) {
	peer, ok := parsePeer(c)
	if !ok {
		return
	}
	msgs, err := h.sync.LoadHistory(c.Request.Context(), peer)
	if err != nil {
		h.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendRequest is the body of POST /v1/conversations/:peer/messages.
type SendRequest struct {
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"messageType"`
}

// PostMessage sends a message optimistically. The reply carries the
// provisional entry; delivery progress arrives on /v1/events.
func (h *Handler) PostMessage(c *gin.Context) {
	peer, ok := parsePeer(c)
	if !ok {
		return
	}
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.MessageType == "" {
		req.MessageType = domain.MessageText
	}
	m, err := h.sync.SendMessage(peer, req.Content, req.MessageType)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

// MarkRead clears the unread count for a peer. A backend that could not
// be told still yields 200, with remoteSynced false.
func (h *Handler) MarkRead(c *gin.Context) {
	peer, ok := parsePeer(c)
	if !ok {
		return
	}
	res, err := h.sync.MarkRead(c.Request.Context(), peer)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TypingRequest is the body of POST /v1/conversations/:peer/typing.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// PostTyping publishes our typing state to a peer.
func (h *Handler) PostTyping(c *gin.Context) {
	peer, ok := parsePeer(c)
	if !ok {
		return
	}
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.sync.SendTyping(peer, req.IsTyping); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// FocusRequest is the body of PUT /v1/focus. PeerID 0 clears the focus.
type FocusRequest struct {
	PeerID int64 `json:"peerId" binding:"gte=0"`
}

// PutFocus sets or clears the focused conversation.
func (h *Handler) PutFocus(c *gin.Context) {
	var req FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.sync.Focus(c.Request.Context(), req.PeerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListMatches returns the matches list.
func (h *Handler) ListMatches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"matches": h.sync.Matches()})
}

// UnreadResponse is returned by GET /v1/unread.
type UnreadResponse struct {
	Total   int           `json:"total"`
	PerPeer map[int64]int `json:"perPeer"`
}

// GetUnread returns the total and per-peer unread counts.
func (h *Handler) GetUnread(c *gin.Context) {
	total, per := h.sync.Unread()
	c.JSON(http.StatusOK, UnreadResponse{Total: total, PerPeer: per})
}
