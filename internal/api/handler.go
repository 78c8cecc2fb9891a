package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/tandem/internal/bus"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/realtime"
	"github.com/matheus3301/tandem/internal/rest"
	"github.com/matheus3301/tandem/internal/session"
	intsync "github.com/matheus3301/tandem/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Synchronizer is what the local API drives. *intsync.Engine implements it.
type Synchronizer interface {
	Status() intsync.Status
	Login(ctx context.Context, id domain.Identity, token string) error
	Logout() error
	Refresh(ctx context.Context) error
	Conversations() []domain.Conversation
	Conversation(peer int64) (domain.Conversation, bool)
	LoadHistory(ctx context.Context, peer int64) ([]domain.Message, error)
	SendMessage(peer int64, content string, typ domain.MessageType) (domain.Message, error)
	SendTyping(peer int64, isTyping bool) error
	MarkRead(ctx context.Context, peer int64) (intsync.ReadResult, error)
	Focus(ctx context.Context, peer int64) (intsync.ReadResult, error)
	Delete(ctx context.Context, peer int64) error
	Matches() []domain.Match
	Unread() (int, map[int64]int)
}

// Handler serves the daemon's local HTTP API.
type Handler struct {
	sync        Synchronizer
	bus         *bus.Bus
	logger      *zap.Logger
	sessionName string
	startedAt   time.Time
}

// NewHandler creates a new API handler.
func NewHandler(sessionName string, s Synchronizer, b *bus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		sync:        s,
		bus:         b,
		logger:      logger,
		sessionName: sessionName,
		startedAt:   time.Now(),
	}
}

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/status", h.GetStatus)
	v1.POST("/session", h.Login)
	v1.DELETE("/session", h.Logout)
	v1.POST("/sync/refresh", h.Refresh)
	v1.GET("/conversations", h.ListConversations)
	v1.GET("/conversations/:peer", h.GetConversation)
	v1.DELETE("/conversations/:peer", h.DeleteConversation)
	v1.GET("/conversations/:peer/messages", h.GetMessages)
	v1.POST("/conversations/:peer/messages", h.PostMessage)
	v1.POST("/conversations/:peer/read", h.MarkRead)
	v1.POST("/conversations/:peer/typing", h.PostTyping)
	v1.PUT("/focus", h.PutFocus)
	v1.GET("/matches", h.ListMatches)
	v1.GET("/unread", h.GetUnread)
	v1.GET("/events", h.StreamEvents)
	return r
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Error codes in JSON error bodies.
const (
	CodeInvalid      = "invalid"
	CodeNoSession    = "no_session"
	CodeUnauthorized = "unauthorized"
	CodeBackend      = "backend_unavailable"
	CodeNotConnected = "channel_unavailable"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"` // the backend may accept the same request later
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return http.StatusConflict, CodeNoSession
	case rest.IsUnauthorized(err):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest, CodeInvalid
	case errors.Is(err, rest.ErrTransport), errors.Is(err, rest.ErrStatus), errors.Is(err, rest.ErrMalformed):
		return http.StatusBadGateway, CodeBackend
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, realtime.ErrClosed):
		return http.StatusServiceUnavailable, CodeNotConnected
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("api request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Retryable: rest.IsRetryable(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeInvalid})
}

func parsePeer(c *gin.Context) (int64, bool) {
	peer, err := strconv.ParseInt(c.Param("peer"), 10, 64)
	if err != nil || peer <= 0 {
		badRequest(c, "invalid peer id")
		return 0, false
	}
	return peer, true
}
