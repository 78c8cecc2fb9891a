package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/tandem/internal/domain"
	intsync "github.com/matheus3301/tandem/internal/sync"
)

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	Session  string `json:"session"`
	UptimeMs int64  `json:"uptimeMs"`
	intsync.Status
}

// GetStatus reports identity, channel state and unread total.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Session:  h.sessionName,
		UptimeMs: time.Since(h.startedAt).Milliseconds(),
		Status:   h.sync.Status(),
	})
}

// LoginRequest is the body of POST /v1/session.
type LoginRequest struct {
	User  domain.Identity `json:"user" binding:"required"`
	Token string          `json:"token" binding:"required"`
}

// Login saves identity and token and starts syncing.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.sync.Login(c.Request.Context(), req.User, req.Token); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sync.Status())
}

// Logout stops syncing and clears the persisted session.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.sync.Logout(); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Refresh reloads conversations and matches from the backend.
func (h *Handler) Refresh(c *gin.Context) {
	if err := h.sync.Refresh(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": len(h.sync.Conversations())})
}
