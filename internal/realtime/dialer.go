package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens one realtime session.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Session, error)
}

// Session is one live connection. Subscribe channels are closed when the
// session ends; Done is closed at the same time.
type Session interface {
	Subscribe(dest string) (<-chan []byte, error)
	Send(dest string, body []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// STOMPDialer speaks STOMP 1.2 over a WebSocket, the way Spring's broker
// relay expects it.
type STOMPDialer struct {
	Heartbeat   time.Duration
	DialTimeout time.Duration
	// HeartbeatGrace is added to the broker's heart-beat interval before a
	// silent connection is declared dead. Zero keeps go-stomp's default.
	HeartbeatGrace time.Duration
	Logger         *zap.Logger
}

// Dial performs the WebSocket handshake and the STOMP CONNECT exchange.
// The bearer token goes on both.
func (d *STOMPDialer) Dial(ctx context.Context, rawURL, token string) (Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.DialTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := wd.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	rw := newWSConn(ws)
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(d.Heartbeat, d.Heartbeat),
		stomp.ConnOpt.Logger(stompLogger{logger.Sugar()}),
	}
	if d.HeartbeatGrace > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeatError(d.HeartbeatGrace))
	}
	if token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}

	// stomp.Connect blocks on CONNECTED and ignores ctx.
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	conn, err := stomp.Connect(rw, opts...)
	if err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("stomp connect: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	logger.Debug("stomp session established", zap.String("url", u.Redacted()))
	return newSTOMPSession(conn, rw), nil
}

// settleTimeout bounds how long a dying session waits for its
// subscriptions to report why they ended.
const settleTimeout = 2 * time.Second

type stompSession struct {
	conn *stomp.Conn
	rw   *wsConn
	done chan struct{}

	mu      sync.Mutex
	closing bool
	subs    sync.WaitGroup
}

func newSTOMPSession(conn *stomp.Conn, rw *wsConn) *stompSession {
	s := &stompSession{conn: conn, rw: rw, done: make(chan struct{})}
	go s.monitor()
	return s
}

// monitor closes done once the transport is gone and every subscription
// has drained, so Err reports the broker's reason rather than the close.
func (s *stompSession) monitor() {
	<-s.rw.dead
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		s.subs.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-time.After(settleTimeout):
	}
	_ = s.rw.ws.Close()
	close(s.done)
}

func (s *stompSession) Subscribe(dest string) (<-chan []byte, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", dest, ErrClosed)
	}
	s.subs.Add(1)
	s.mu.Unlock()

	sub, err := s.conn.Subscribe(dest, stomp.AckAuto)
	if err != nil {
		s.subs.Done()
		return nil, fmt.Errorf("subscribe %s: %w", dest, err)
	}
	out := make(chan []byte, 64)
	go func() {
		defer s.subs.Done()
		defer close(out)
		for msg := range sub.C {
			if msg.Err != nil {
				s.rw.cause(msg.Err)
				return
			}
			select {
			case out <- msg.Body:
			case <-s.rw.dead:
				return
			}
		}
		s.rw.fail(errors.New("subscription closed"))
	}()
	return out, nil
}

func (s *stompSession) Send(dest string, body []byte) error {
	return s.conn.Send(dest, "application/json", body)
}

func (s *stompSession) Done() <-chan struct{} { return s.done }

func (s *stompSession) Err() error { return s.rw.Err() }

func (s *stompSession) Close() error {
	s.rw.fail(ErrClosed)
	err := s.conn.MustDisconnect()
	_ = s.rw.Close()
	return err
}

// errConnClosed is recorded when go-stomp closes the connection itself; a
// subscription error that explains the close replaces it.
var errConnClosed = errors.New("stomp connection closed")

// wsConn adapts a gorilla connection to the byte stream go-stomp reads.
// Each write is one text message; reads span message boundaries.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex

	once sync.Once
	dead chan struct{}
	mu   sync.Mutex
	err  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, dead: make(chan struct{})}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.fail(err)
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		c.fail(err)
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.fail(errConnClosed)
	return c.ws.Close()
}

// fail records the first terminal error and closes dead.
func (c *wsConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.dead) })
}

// cause records err as the reason the connection ended, replacing a bare
// errConnClosed.
func (c *wsConn) cause(err error) {
	c.mu.Lock()
	if c.err == nil || errors.Is(c.err, errConnClosed) {
		c.err = err
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.dead) })
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// stompLogger sends go-stomp's logging to zap. The library's info lines
// are per-frame chatter, so they go to debug.
type stompLogger struct {
	s *zap.SugaredLogger
}

func (l stompLogger) Debugf(format string, v ...interface{})   { l.s.Debugf(format, v...) }
func (l stompLogger) Infof(format string, v ...interface{})    { l.s.Debugf(format, v...) }
func (l stompLogger) Warningf(format string, v ...interface{}) { l.s.Warnf(format, v...) }
func (l stompLogger) Errorf(format string, v ...interface{})   { l.s.Errorf(format, v...) }
func (l stompLogger) Debug(message string)                     { l.s.Debug(message) }
func (l stompLogger) Info(message string)                      { l.s.Debug(message) }
func (l stompLogger) Warning(message string)                   { l.s.Warn(message) }
func (l stompLogger) Error(message string)                     { l.s.Error(message) }
