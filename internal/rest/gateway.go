package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/tandem/internal/config"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/metrics"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// Gateway talks to the backend's REST API. Every response is decoded and
// validated here so callers only ever see domain types. It never retries.
type Gateway struct {
	client *resty.Client
	logger *zap.Logger
}

// New creates a Gateway for cfg. tokens may be nil for unauthenticated use.
func New(cfg config.APIConfig, tokens TokenSource, logger *zap.Logger) *Gateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout.Std()).
		SetHeader("Accept", "application/json").
		SetLogger(logger.Sugar())
	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if tokens == nil {
			return nil
		}
		if t := tokens.Token(); t != "" {
			r.SetAuthToken(t)
		}
		return nil
	})
	return &Gateway{client: client, logger: logger}
}

// FetchConversations returns the authoritative conversation list for self.
func (g *Gateway) FetchConversations(ctx context.Context, self domain.Identity) ([]domain.Conversation, error) {
	var payloads []json.RawMessage
	path := "/messages/conversations/user/" + strconv.FormatInt(self.ID, 10)
	if err := g.do(ctx, "fetch_conversations", http.MethodGet, path, nil, nil, &payloads); err != nil {
		return nil, err
	}

	convs := make([]domain.Conversation, 0, len(payloads))
	for _, raw := range payloads {
		var p domain.ConversationPayload
		if err := decodeValid(raw, &p); err != nil {
			g.logger.Warn("dropping malformed conversation", zap.Error(err))
			continue
		}
		convs = append(convs, p.ToConversation())
	}
	return convs, nil
}

// FetchMatches returns self's matches, normalizing both backend shapes.
func (g *Gateway) FetchMatches(ctx context.Context, self domain.Identity) ([]domain.Match, error) {
	var payloads []json.RawMessage
	path := "/likes/matches/user/" + strconv.FormatInt(self.ID, 10)
	if err := g.do(ctx, "fetch_matches", http.MethodGet, path, nil, nil, &payloads); err != nil {
		return nil, err
	}

	matches := make([]domain.Match, 0, len(payloads))
	for _, raw := range payloads {
		var p domain.MatchPayload
		if err := decodeValid(raw, &p); err != nil {
			g.logger.Warn("dropping malformed match", zap.Error(err))
			continue
		}
		m, err := p.Normalize(self.ID)
		if err != nil {
			g.logger.Warn("dropping unusable match", zap.Error(err))
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// FetchConversationHistory returns the messages between self and peer,
// oldest first.
func (g *Gateway) FetchConversationHistory(ctx context.Context, self domain.Identity, peer int64) ([]domain.Message, error) {
	if peer <= 0 {
		return nil, fmt.Errorf("%w: peer id %d", domain.ErrInvalid, peer)
	}
	var payloads []json.RawMessage
	query := map[string]string{
		"userId1": strconv.FormatInt(self.ID, 10),
		"userId2": strconv.FormatInt(peer, 10),
	}
	if err := g.do(ctx, "fetch_history", http.MethodGet, "/messages/conversation", query, nil, &payloads); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(payloads))
	for _, raw := range payloads {
		var p domain.MessagePayload
		if err := decodeValid(raw, &p); err != nil {
			g.logger.Warn("dropping malformed message", zap.Int64("peer_id", peer), zap.Error(err))
			continue
		}
		m := p.ToMessage()
		if m.PeerOf(self.ID) != peer || (m.SenderID != self.ID && m.ReceiverID != self.ID) {
			g.logger.Warn("dropping message from another conversation",
				zap.Int64("peer_id", peer), zap.Int64("msg_id", m.ID))
			continue
		}
		msgs = append(msgs, m)
	}
	domain.SortMessages(msgs)
	return msgs, nil
}

// SendMessage delivers out through POST /messages and returns the stored
// message with its authoritative id. out is validated before any I/O.
func (g *Gateway) SendMessage(ctx context.Context, out domain.OutboundMessage) (domain.Message, error) {
	if err := domain.Validate(out); err != nil {
		return domain.Message{}, err
	}
	body := map[string]any{
		"senderId":    out.SenderID,
		"receiverId":  out.ReceiverID,
		"content":     out.Content,
		"messageType": out.Type,
	}
	var raw json.RawMessage
	if err := g.do(ctx, "send_message", http.MethodPost, "/messages", nil, body, &raw); err != nil {
		return domain.Message{}, err
	}

	var p domain.MessagePayload
	if err := decodeValid(raw, &p); err != nil {
		return domain.Message{}, &Error{Op: "send_message", Method: http.MethodPost, Path: "/messages",
			Status: http.StatusOK, Kind: ErrMalformed, Err: err}
	}
	m := p.ToMessage()
	m.ClientID = out.ClientID
	return m, nil
}

// MarkRead marks every message from peer to self as read on the backend.
func (g *Gateway) MarkRead(ctx context.Context, self domain.Identity, peer int64) error {
	if peer <= 0 {
		return fmt.Errorf("%w: peer id %d", domain.ErrInvalid, peer)
	}
	query := map[string]string{
		"receiverId": strconv.FormatInt(self.ID, 10),
		"senderId":   strconv.FormatInt(peer, 10),
	}
	return g.do(ctx, "mark_read", http.MethodPut, "/messages/conversation/read", query, nil, nil)
}

// DeleteConversation removes the conversation between self and peer.
func (g *Gateway) DeleteConversation(ctx context.Context, self domain.Identity, peer int64) error {
	if peer <= 0 {
		return fmt.Errorf("%w: peer id %d", domain.ErrInvalid, peer)
	}
	query := map[string]string{
		"userId":      strconv.FormatInt(self.ID, 10),
		"otherUserId": strconv.FormatInt(peer, 10),
	}
	return g.do(ctx, "delete_conversation", http.MethodDelete, "/messages/conversation", query, nil, nil)
}

// do executes one request and maps the outcome onto *Error. When out is
// non-nil the 2xx body is JSON-decoded into it.
func (g *Gateway) do(ctx context.Context, op, method, path string, query map[string]string, body, out any) error {
	req := g.client.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		metrics.ObserveREST(op, 0, time.Since(start))
		return &Error{Op: op, Method: method, Path: path, Kind: ErrTransport, Err: err}
	}
	status := resp.StatusCode()
	metrics.ObserveREST(op, status, time.Since(start))

	if resp.IsError() || status < 200 || status >= 300 {
		e := &Error{Op: op, Method: method, Path: path, Status: status, Kind: kindForStatus(status), Body: truncate(resp.String())}
		g.logger.Debug("backend request failed",
			zap.String("op", op), zap.Int("status", status), zap.String("body", e.Body))
		return e
	}

	if out == nil {
		return nil
	}
	if len(resp.Body()) == 0 {
		return &Error{Op: op, Method: method, Path: path, Status: status, Kind: ErrMalformed, Err: fmt.Errorf("empty body")}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &Error{Op: op, Method: method, Path: path, Status: status, Kind: ErrMalformed, Err: err, Body: truncate(resp.String())}
	}
	return nil
}

func decodeValid(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalid, err)
	}
	return domain.Validate(v)
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "…"
}
