package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/tandem/internal/api"
	"github.com/matheus3301/tandem/internal/domain"
	intsync "github.com/matheus3301/tandem/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Error is a non-2xx reply from the daemon.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %s (%d %s)", e.Message, e.Status, e.Code)
}

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	http   *resty.Client
	stream *resty.Client // no timeout; event streams end with their context
}

// New returns a client for the daemon listening on socketPath. No
// connection is made until the first call.
func New(socketPath string, timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	r := resty.New().
		SetTransport(transport).
		SetBaseURL("http://tandemd").
		SetTimeout(timeout).
		SetError(&api.ErrorResponse{})
	stream := resty.New().
		SetTransport(transport).
		SetBaseURL("http://tandemd")
	return &Client{http: r, stream: stream}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		e := &Error{Status: resp.StatusCode(), Message: resp.Status()}
		if body, ok := resp.Error().(*api.ErrorResponse); ok && body.Code != "" {
			e.Code, e.Message = body.Code, body.Error
		}
		return e
	}
	return nil
}

func peerPath(peer int64, suffix string) string {
	return "/v1/conversations/" + strconv.FormatInt(peer, 10) + suffix
}

// Status returns the daemon's status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login starts a session for id.
func (c *Client) Login(ctx context.Context, id domain.Identity, token string) (*intsync.Status, error) {
	var out intsync.Status
	if err := c.do(ctx, http.MethodPost, "/v1/session", api.LoginRequest{User: id, Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/session", nil, nil)
}

// Refresh asks the daemon to reload from the backend.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sync/refresh", nil, nil)
}

// Conversations lists conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Conversation returns one conversation.
func (c *Client) Conversation(ctx context.Context, peer int64) (*domain.Conversation, error) {
	var out domain.Conversation
	if err := c.do(ctx, http.MethodGet, peerPath(peer, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the full message history with peer.
func (c *Client) History(ctx context.Context, peer int64) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, peerPath(peer, "/messages"), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send queues a message and returns its provisional entry.
func (c *Client) Send(ctx context.Context, peer int64, content string, typ domain.MessageType) (*domain.Message, error) {
	var out domain.Message
	req := api.SendRequest{Content: content, MessageType: typ}
	if err := c.do(ctx, http.MethodPost, peerPath(peer, "/messages"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead clears peer's unread count.
func (c *Client) MarkRead(ctx context.Context, peer int64) (*intsync.ReadResult, error) {
	var out intsync.ReadResult
	if err := c.do(ctx, http.MethodPost, peerPath(peer, "/read"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Typing publishes our typing state to peer.
func (c *Client) Typing(ctx context.Context, peer int64, isTyping bool) error {
	return c.do(ctx, http.MethodPost, peerPath(peer, "/typing"), api.TypingRequest{IsTyping: isTyping}, nil)
}

// Focus sets the focused conversation; 0 clears it.
func (c *Client) Focus(ctx context.Context, peer int64) (*intsync.ReadResult, error) {
	var out intsync.ReadResult
	if err := c.do(ctx, http.MethodPut, "/v1/focus", api.FocusRequest{PeerID: peer}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the conversation with peer.
func (c *Client) Delete(ctx context.Context, peer int64) error {
	return c.do(ctx, http.MethodDelete, peerPath(peer, ""), nil, nil)
}

// Matches lists matches.
func (c *Client) Matches(ctx context.Context) ([]domain.Match, error) {
	var out struct {
		Matches []domain.Match `json:"matches"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/matches", nil, &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

// Unread returns total and per-peer unread counts.
func (c *Client) Unread(ctx context.Context) (*api.UnreadResponse, error) {
	var out api.UnreadResponse
	if err := c.do(ctx, http.MethodGet, "/v1/unread", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events streams daemon events to fn until ctx ends or fn returns false.
func (c *Client) Events(ctx context.Context, prefix string, fn func(api.EventMessage) bool) error {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("prefix", prefix).
		Get("/v1/events")
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()
	if resp.StatusCode() != http.StatusOK {
		return &Error{Status: resp.StatusCode(), Message: resp.Status()}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var evt api.EventMessage
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if !fn(evt) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// Health asks the daemon's gRPC health service on healthSocket whether the
// realtime channel is serving.
func Health(ctx context.Context, healthSocket string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient("unix://"+healthSocket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial health: %w", err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
