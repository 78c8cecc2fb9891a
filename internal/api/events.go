package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventMessage is one server-sent event on /v1/events.
type EventMessage struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// StreamEvents relays bus events as server-sent events until the client
// goes away. ?prefix= narrows the stream, e.g. "conversation.".
func (h *Handler) StreamEvents(c *gin.Context) {
	ch, unsub := h.bus.Subscribe(c.Query("prefix"), 256)
	defer unsub()

	h.logger.Debug("event stream opened", zap.String("prefix", c.Query("prefix")))
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Clients block on the response headers; send them before the first event.
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Kind, EventMessage{
				ID:        uuid.NewString(),
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp.UnixMilli(),
				Payload:   evt.Payload,
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
