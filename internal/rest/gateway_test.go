package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/tandem/internal/config"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

var self = domain.Identity{ID: 1, Name: "Me"}

func newTestGateway(t *testing.T, token string, register func(r *gin.Engine)) *Gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	cfg := config.APIConfig{BaseURL: srv.URL, Timeout: config.Duration(5 * time.Second)}
	return New(cfg, staticToken(token), zap.NewNop())
}

func TestFetchConversationsAttachesBearerAndDecodes(t *testing.T) {
	var gotAuth string
	g := newTestGateway(t, "tok-123", func(r *gin.Engine) {
		r.GET("/messages/conversations/user/:id", func(c *gin.Context) {
			gotAuth = c.GetHeader("Authorization")
			assert.Equal(t, "1", c.Param("id"))
			c.Data(http.StatusOK, "application/json", []byte(`[
				{"partnerId": 7, "partnerName": "Ana", "unreadCount": 2, "isOnline": true,
				 "lastMessageAt": "2024-05-01T10:00:00",
				 "recentMessages": [
					{"id": 11, "senderId": 7, "receiverId": 1, "content": "second", "createdAt": "2024-05-01T10:00:00"},
					{"id": 10, "senderId": 1, "receiverId": 7, "content": "first", "createdAt": "2024-05-01T09:00:00"}
				 ]},
				{"partnerId": 0, "partnerName": "broken"},
				{"partnerId": 8, "unreadCount": -1}
			]`))
		})
	})

	convs, err := g.FetchConversations(context.Background(), self)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	require.Len(t, convs, 1, "invalid entries are dropped")

	c := convs[0]
	assert.Equal(t, int64(7), c.Peer.ID)
	assert.Equal(t, 2, c.UnreadCount)
	assert.True(t, c.Online)
	require.Len(t, c.Recent, 2)
	assert.Equal(t, "first", c.Recent[0].Content)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "second", c.LastMessage.Content)
}

func TestNoTokenNoAuthorizationHeader(t *testing.T) {
	var hadAuth atomic.Bool
	g := newTestGateway(t, "", func(r *gin.Engine) {
		r.GET("/likes/matches/user/:id", func(c *gin.Context) {
			hadAuth.Store(c.GetHeader("Authorization") != "")
			c.JSON(http.StatusOK, []any{})
		})
	})
	_, err := g.FetchMatches(context.Background(), self)
	require.NoError(t, err)
	assert.False(t, hadAuth.Load())
}

func TestFetchMatchesNormalizesBothShapes(t *testing.T) {
	g := newTestGateway(t, "tok", func(r *gin.Engine) {
		r.GET("/likes/matches/user/:id", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/json", []byte(`[
				{"matchedUserId": 7, "name": "Ana", "matchedAt": "2024-05-01T10:00:00Z", "hasUnreadMessages": true},
				{"user1": {"id": 1, "name": "Me"}, "user2": {"id": 9, "name": "Bia"}, "matchedAt": 1714557600000},
				{"user1": {"id": 5}, "user2": {"id": 6}},
				{"name": "nobody"}
			]`))
		})
	})

	matches, err := g.FetchMatches(context.Background(), self)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(7), matches[0].Peer.ID)
	assert.True(t, matches[0].HasUnread)
	assert.Equal(t, int64(9), matches[1].Peer.ID)
	assert.Equal(t, "Bia", matches[1].Peer.Name)
}

func TestFetchConversationHistoryOldestFirst(t *testing.T) {
	g := newTestGateway(t, "tok", func(r *gin.Engine) {
		r.GET("/messages/conversation", func(c *gin.Context) {
			assert.Equal(t, "1", c.Query("userId1"))
			assert.Equal(t, "7", c.Query("userId2"))
			c.Data(http.StatusOK, "application/json", []byte(`[
				{"id": 3, "senderId": 7, "receiverId": 1, "content": "c", "createdAt": "2024-05-01T10:02:00"},
				{"id": 1, "senderId": 1, "receiverId": 7, "content": "a", "createdAt": "2024-05-01T10:00:00"},
				{"id": 2, "senderId": 7, "receiverId": 1, "content": "b", "createdAt": "2024-05-01T10:01:00", "messageType": "EMOJI"},
				{"id": 4, "senderId": 3, "receiverId": 4, "content": "stray"}
			]`))
		})
	})

	msgs, err := g.FetchConversationHistory(context.Background(), self, 7)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	assert.Equal(t, domain.MessageEmoji, msgs[1].Type)
	assert.Equal(t, domain.MessageText, msgs[0].Type)
}

func TestSendMessage(t *testing.T) {
	g := newTestGateway(t, "tok", func(r *gin.Engine) {
		r.POST("/messages", func(c *gin.Context) {
			var body struct {
				SenderID    int64  `json:"senderId"`
				ReceiverID  int64  `json:"receiverId"`
				Content     string `json:"content"`
				MessageType string `json:"messageType"`
			}
			require.NoError(t, c.ShouldBindJSON(&body))
			c.JSON(http.StatusOK, gin.H{
				"id": 99, "senderId": body.SenderID, "receiverId": body.ReceiverID,
				"content": body.Content, "messageType": body.MessageType,
				"createdAt": "2024-05-01T10:00:00",
			})
		})
	})

	out, err := domain.NewOutbound(1, 9, "  hello ", "")
	require.NoError(t, err)
	out.ClientID = "cid-1"

	m, err := g.SendMessage(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, int64(99), m.ID)
	assert.Equal(t, "cid-1", m.ClientID)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, int64(9), m.ReceiverID)
}

func TestValidationNeverReachesNetwork(t *testing.T) {
	var hits atomic.Int32
	g := newTestGateway(t, "tok", func(r *gin.Engine) {
		r.NoRoute(func(c *gin.Context) {
			hits.Add(1)
			c.Status(http.StatusOK)
		})
	})
	ctx := context.Background()

	_, err := g.SendMessage(ctx, domain.OutboundMessage{SenderID: 1, ReceiverID: 9, Type: domain.MessageText})
	assert.ErrorIs(t, err, domain.ErrInvalid)
	_, err = g.SendMessage(ctx, domain.OutboundMessage{SenderID: 1, ReceiverID: 1, Content: "x", Type: domain.MessageText})
	assert.ErrorIs(t, err, domain.ErrInvalid)
	assert.ErrorIs(t, g.MarkRead(ctx, self, 0), domain.ErrInvalid)
	assert.ErrorIs(t, g.DeleteConversation(ctx, self, -1), domain.ErrInvalid)
	_, err = g.FetchConversationHistory(ctx, self, 0)
	assert.ErrorIs(t, err, domain.ErrInvalid)

	assert.Zero(t, hits.Load())
}

func TestMarkReadAndDeleteQueries(t *testing.T) {
	var readQuery, deleteQuery string
	g := newTestGateway(t, "tok", func(r *gin.Engine) {
		r.PUT("/messages/conversation/read", func(c *gin.Context) {
			readQuery = c.Request.URL.Query().Encode()
			c.Status(http.StatusOK)
		})
		r.DELETE("/messages/conversation", func(c *gin.Context) {
			deleteQuery = c.Request.URL.Query().Encode()
			c.Status(http.StatusNoContent)
		})
	})
	ctx := context.Background()

	require.NoError(t, g.MarkRead(ctx, self, 7))
	require.NoError(t, g.DeleteConversation(ctx, self, 7))
	assert.Equal(t, "receiverId=1&senderId=7", readQuery)
	assert.Equal(t, "otherUserId=7&userId=1", deleteQuery)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      error
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"expired"}`, ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, ``, ErrUnauthorized, false},
		{"not found", http.StatusNotFound, ``, ErrStatus, false},
		{"server error", http.StatusInternalServerError, `oops`, ErrStatus, true},
		{"unavailable", http.StatusServiceUnavailable, ``, ErrStatus, true},
		{"malformed body", http.StatusOK, `{not json`, ErrMalformed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, "tok", func(r *gin.Engine) {
				r.GET("/messages/conversations/user/:id", func(c *gin.Context) {
					c.Data(tt.status, "application/json", []byte(tt.body))
				})
			})
			_, err := g.FetchConversations(context.Background(), self)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var rerr *Error
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.retryable, rerr.Retryable())
			assert.Equal(t, tt.kind == ErrUnauthorized, IsUnauthorized(err))
		})
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := New(config.APIConfig{BaseURL: url, Timeout: config.Duration(time.Second)}, nil, zap.NewNop())
	err := g.MarkRead(context.Background(), self, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsUnauthorized(err))
}
