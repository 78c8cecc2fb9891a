package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/tandem/internal/config"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/metrics"
	"github.com/matheus3301/tandem/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Publish while no session is live.
	ErrNotConnected = errors.New("realtime channel not connected")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("realtime channel closed")
)

// Handler receives one raw event body. Handlers for a topic run on a
// single goroutine, in arrival order.
type Handler func(body []byte)

// Channel keeps one realtime session alive for the signed-in user. It
// owns the connection state machine; everyone else only reads it.
type Channel struct {
	dialer      Dialer
	url         string
	delay       time.Duration
	dialTimeout time.Duration
	machine     *status.Machine
	logger      *zap.Logger

	mu       sync.Mutex
	handlers map[Topic][]Handler
	active   bool
	userID   int64
	token    string
	session  Session
	gen      uint64 // bumped by Open/Close and each connect attempt
	timer    *time.Timer
	timerSeq uint64
}

// NewChannel creates a Channel. It does nothing until Open.
func NewChannel(cfg config.RealtimeConfig, dialer Dialer, machine *status.Machine, logger *zap.Logger) *Channel {
	return &Channel{
		dialer:      dialer,
		url:         cfg.URL,
		delay:       cfg.ReconnectDelay.Std(),
		dialTimeout: cfg.DialTimeout.Std(),
		machine:     machine,
		logger:      logger,
		handlers:    make(map[Topic][]Handler),
	}
}

// Subscribe registers handler for topic. Registrations apply to the next
// connection, so they are normally made before Open.
func (c *Channel) Subscribe(topic Topic, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], handler)
}

// Open starts connecting for id. It returns immediately; progress is
// visible through the state machine. A second Open while active is a no-op.
func (c *Channel) Open(id domain.Identity, token string) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.userID = id.ID
	c.token = token
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.connect(gen)
}

// Close drops the connection and cancels any pending reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	c.active = false
	c.gen++
	c.cancelReconnectLocked()
	sess := c.session
	c.session = nil
	if c.machine.Current() != status.Disconnected {
		c.transitionLocked(status.Disconnected)
	}
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Debug("closing realtime session", zap.Error(err))
		}
	}
}

// State returns the current connection state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Since returns when the connection entered its current state.
func (c *Channel) Since() time.Time {
	return c.machine.Since()
}

// PendingReconnect reports whether a reconnect attempt is scheduled.
func (c *Channel) PendingReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Publish sends payload as JSON to dest. Delivery is fire-and-forget.
func (c *Channel) Publish(dest string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", dest, err)
	}
	c.mu.Lock()
	sess, active := c.session, c.active
	c.mu.Unlock()

	switch {
	case !active:
		return ErrClosed
	case sess == nil:
		return ErrNotConnected
	}
	if err := sess.Send(dest, body); err != nil {
		return fmt.Errorf("publish %s: %w", dest, err)
	}
	return nil
}

// PublishMessage validates out and publishes it to the send destination.
func (c *Channel) PublishMessage(out domain.OutboundMessage) error {
	if err := domain.Validate(out); err != nil {
		return err
	}
	return c.Publish(DestSendMessage, out)
}

// PublishTyping validates evt and publishes it to the typing destination.
func (c *Channel) PublishTyping(evt domain.TypingEvent) error {
	if err := domain.Validate(evt); err != nil {
		return err
	}
	return c.Publish(DestTyping, evt)
}

func (c *Channel) connect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(status.Connecting)
	userID, token := c.userID, c.token
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	sess, err := c.dialer.Dial(ctx, c.url, token)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.active {
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("realtime connect failed", zap.Error(err), zap.Duration("retry_in", c.delay))
		c.transitionLocked(status.Error)
		c.scheduleReconnectLocked()
		return
	}

	for _, topic := range Topics {
		dest := Destination(userID, topic)
		ch, err := sess.Subscribe(dest)
		if err != nil {
			c.logger.Warn("realtime subscribe failed", zap.String("dest", dest), zap.Error(err))
			_ = sess.Close()
			c.transitionLocked(status.Error)
			c.scheduleReconnectLocked()
			return
		}
		handlers := append([]Handler(nil), c.handlers[topic]...)
		go pump(ch, handlers)
	}

	if old := c.session; old != nil {
		_ = old.Close()
	}
	c.session = sess
	c.transitionLocked(status.Connected)
	c.logger.Info("realtime channel connected", zap.Int64("user_id", userID))
	go c.watch(gen, sess)
}

// watch waits for sess to end and schedules the reconnect.
func (c *Channel) watch(gen uint64, sess Session) {
	<-sess.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.session != sess {
		return
	}
	c.session = nil
	c.logger.Warn("realtime channel closed unexpectedly", zap.Error(sess.Err()), zap.Duration("retry_in", c.delay))
	c.transitionLocked(status.Disconnected)
	if c.active {
		c.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// attempt already scheduled.
func (c *Channel) scheduleReconnectLocked() {
	c.cancelReconnectLocked()
	c.timerSeq++
	seq := c.timerSeq
	metrics.IncReconnect()
	c.timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if seq != c.timerSeq || !c.active {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.gen++
		gen := c.gen
		c.mu.Unlock()
		c.connect(gen)
	})
}

func (c *Channel) cancelReconnectLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *Channel) transitionLocked(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("ignored state transition", zap.Error(err))
	}
}

func pump(ch <-chan []byte, handlers []Handler) {
	for body := range ch {
		for _, h := range handlers {
			h(body)
		}
	}
}
