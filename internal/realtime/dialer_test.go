package realtime

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// stompFrame is a frame as read off the wire by the test broker.
type stompFrame struct {
	command string
	headers map[string]string
	body    string
}

func parseFrames(buf *bytes.Buffer) []stompFrame {
	var frames []stompFrame
	for {
		raw, err := buf.ReadString(0)
		if err != nil {
			// Incomplete frame: keep it for the next message.
			buf.Reset()
			buf.WriteString(raw)
			return frames
		}
		raw = strings.TrimLeft(strings.TrimSuffix(raw, "\x00"), "\r\n")
		head, body, _ := strings.Cut(raw, "\n\n")
		lines := strings.Split(head, "\n")
		f := stompFrame{command: lines[0], headers: map[string]string{}, body: body}
		for _, l := range lines[1:] {
			if k, v, ok := strings.Cut(l, ":"); ok {
				if _, seen := f.headers[k]; !seen {
					f.headers[k] = v
				}
			}
		}
		frames = append(frames, f)
	}
}

// silentBroker answers CONNECT and delivers one MESSAGE per SUBSCRIBE, then
// never writes again. SEND frames are copied to sent.
type silentBroker struct {
	connect string
	payload string
	sent    chan stompFrame
}

func (b *silentBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{Subprotocols: []string{"v12.stomp"}}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var buf bytes.Buffer
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		buf.Write(data)
		for _, f := range parseFrames(&buf) {
			var reply string
			switch f.command {
			case "CONNECT", "STOMP":
				reply = b.connect
			case "SUBSCRIBE":
				reply = fmt.Sprintf("MESSAGE\nsubscription:%s\nmessage-id:1\ndestination:%s\ncontent-type:application/json\n\n%s\x00",
					f.headers["id"], f.headers["destination"], b.payload)
			case "SEND":
				if b.sent != nil {
					b.sent <- f
				}
			}
			if reply != "" {
				if err := ws.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
					return
				}
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testDialer() *STOMPDialer {
	return &STOMPDialer{
		Heartbeat:      100 * time.Millisecond,
		HeartbeatGrace: 500 * time.Millisecond,
		DialTimeout:    2 * time.Second,
		Logger:         zap.NewNop(),
	}
}

func TestSTOMPSessionDeliversAndDiesOnSilence(t *testing.T) {
	broker := &silentBroker{
		connect: "CONNECTED\nversion:1.2\nheart-beat:100,100\n\n\x00",
		payload: `{"id":1,"senderId":7,"receiverId":1,"content":"hi"}`,
		sent:    make(chan stompFrame, 4),
	}
	srv := httptest.NewServer(broker)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := testDialer().Dial(ctx, wsURL(srv), "tok")
	require.NoError(t, err)
	defer func() { _ = sess.Close() }()

	msgs, err := sess.Subscribe(Destination(1, TopicMessages))
	require.NoError(t, err)

	select {
	case body := <-msgs:
		assert.JSONEq(t, broker.payload, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sess.Send(DestTyping, []byte(`{"receiverId":7,"isTyping":true}`)))
	select {
	case f := <-broker.sent:
		assert.Equal(t, DestTyping, f.headers["destination"])
		assert.Equal(t, `{"receiverId":7,"isTyping":true}`, f.body)
	case <-time.After(2 * time.Second):
		t.Fatal("send not received")
	}

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session outlived broker silence")
	}
	require.Error(t, sess.Err())
	assert.Contains(t, sess.Err().Error(), "read timeout")

	_, open := <-msgs
	assert.False(t, open)

	_, err = sess.Subscribe(Destination(1, TopicTyping))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSTOMPDialRejected(t *testing.T) {
	srv := httptest.NewServer(&silentBroker{connect: "ERROR\nmessage:bad token\n\n\x00"})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := testDialer().Dial(ctx, wsURL(srv), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stomp connect")
}

func TestSTOMPDialHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(&silentBroker{})
	defer srv.Close()

	_, err := testDialer().Dial(context.Background(), wsURL(srv), "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestSTOMPSessionCloseReportsClosed(t *testing.T) {
	srv := httptest.NewServer(&silentBroker{
		connect: "CONNECTED\nversion:1.2\n\n\x00",
	})
	defer srv.Close()

	sess, err := testDialer().Dial(context.Background(), wsURL(srv), "tok")
	require.NoError(t, err)
	_ = sess.Close()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not done after close")
	}
	assert.ErrorIs(t, sess.Err(), ErrClosed)
}

func TestStompLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := stompLogger{zap.New(core).Sugar()}

	l.Infof("frame %s", "MESSAGE")
	l.Warning("heart-beat late")
	l.Errorf("read: %v", "eof")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "frame MESSAGE", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
