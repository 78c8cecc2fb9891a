package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/matheus3301/tandem/internal/bus"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/outbox"
	"github.com/matheus3301/tandem/internal/presence"
	"github.com/matheus3301/tandem/internal/projection"
	"github.com/matheus3301/tandem/internal/realtime"
	"github.com/matheus3301/tandem/internal/rest"
	"github.com/matheus3301/tandem/internal/session"
	"github.com/matheus3301/tandem/internal/status"
	"go.uber.org/zap"
)

// Gateway is the REST surface the engine needs.
type Gateway interface {
	projection.Remote
	FetchConversations(ctx context.Context, self domain.Identity) ([]domain.Conversation, error)
	FetchMatches(ctx context.Context, self domain.Identity) ([]domain.Match, error)
	FetchConversationHistory(ctx context.Context, self domain.Identity, peer int64) ([]domain.Message, error)
}

// Channel is the realtime surface the engine needs.
type Channel interface {
	Subscribe(topic realtime.Topic, handler realtime.Handler)
	Open(id domain.Identity, token string)
	Close()
	State() status.State
	Since() time.Time
	PendingReconnect() bool
	PublishTyping(evt domain.TypingEvent) error
}

// Engine runs the synchronizer for one signed-in user: it opens the
// channel, bulk-loads conversations, and applies realtime events to the
// projection. Realtime handlers only publish rt.* events; the engine's
// consumer goroutine is the only place they are applied.
type Engine struct {
	sessions   *session.Store
	gateway    Gateway
	channel    Channel
	projection *projection.Projection
	presence   *presence.Tracker
	sender     *outbox.Sender
	bus        *bus.Bus
	logger     *zap.Logger

	life stdsync.Mutex // serializes begin, stop and teardown

	mu       stdsync.Mutex
	running  bool
	gen      uint64 // bumped by every begin
	identity domain.Identity
	cancel   context.CancelFunc
}

// run is one sync session as seen by an operation.
type run struct {
	identity domain.Identity
	gen      uint64
}

// NewEngine creates a new sync engine and registers its realtime handlers.
func NewEngine(sessions *session.Store, gateway Gateway, channel Channel, proj *projection.Projection,
	tracker *presence.Tracker, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *Engine {
	e := &Engine{
		sessions:   sessions,
		gateway:    gateway,
		channel:    channel,
		projection: proj,
		presence:   tracker,
		sender:     sender,
		bus:        b,
		logger:     logger,
	}
	e.registerHandlers()
	return e
}

func (e *Engine) registerHandlers() {
	e.channel.Subscribe(realtime.TopicMessages, realtime.Decoded(realtime.TopicMessages, realtime.DecodeMessage, e.logger,
		func(m domain.Message) { e.bus.Publish(bus.NewEvent(bus.KindRealtimeMessage, m)) }))
	e.channel.Subscribe(realtime.TopicTyping, realtime.Decoded(realtime.TopicTyping, realtime.DecodeTyping, e.logger,
		func(t domain.TypingEvent) { e.bus.Publish(bus.NewEvent(bus.KindRealtimeTyping, t)) }))
	e.channel.Subscribe(realtime.TopicReadReceipts, realtime.Decoded(realtime.TopicReadReceipts, realtime.DecodeReadReceipt, e.logger,
		func(r domain.ReadReceipt) { e.bus.Publish(bus.NewEvent(bus.KindRealtimeReceipt, r)) }))
	e.channel.Subscribe(realtime.TopicPresence, realtime.Decoded(realtime.TopicPresence, realtime.DecodePresence, e.logger,
		func(p domain.PresenceEvent) { e.bus.Publish(bus.NewEvent(bus.KindRealtimePresence, p)) }))
}

// Start loads the persisted session and, if one exists, starts syncing.
// Without an identity nothing starts and session.ErrNoSession is returned.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.sessions.Load(); err != nil {
		return err
	}
	id, ok := e.sessions.CurrentIdentity()
	if !ok {
		return session.ErrNoSession
	}
	e.life.Lock()
	defer e.life.Unlock()
	e.stop()
	e.begin(ctx, id)
	return nil
}

// Login persists a new identity and token and (re)starts syncing.
func (e *Engine) Login(ctx context.Context, id domain.Identity, token string) error {
	e.life.Lock()
	defer e.life.Unlock()
	if err := e.sessions.Save(id, token); err != nil {
		return err
	}
	if prev, ok := e.stop(); ok && prev.ID != id.ID {
		e.purge(prev.ID)
	}
	e.begin(ctx, id)
	return nil
}

// Logout stops syncing, forgets the persisted session and drops the
// user's undelivered messages.
func (e *Engine) Logout() error {
	e.life.Lock()
	defer e.life.Unlock()
	if id, ok := e.stop(); ok {
		e.purge(id.ID)
	}
	if err := e.sessions.Clear(); err != nil {
		return err
	}
	e.bus.Publish(bus.NewEvent(bus.KindSessionStopped, "logout"))
	return nil
}

func (e *Engine) purge(self int64) {
	if err := e.sender.Purge(self); err != nil {
		e.logger.Error("failed to drop unsent messages", zap.Int64("user_id", self), zap.Error(err))
	}
}

func (e *Engine) begin(parent context.Context, id domain.Identity) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	e.mu.Lock()
	e.running = true
	e.gen++
	gen := e.gen
	e.identity = id
	e.cancel = cancel
	e.mu.Unlock()

	e.projection.Reset(id)
	e.presence.Reset()

	ch, unsub := e.bus.SubscribeBlocking("rt.", 1024)
	authCh, authUnsub := e.bus.Subscribe(bus.KindSessionUnauthorized, 4)
	go func() {
		defer unsub()
		defer authUnsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-authCh:
				go e.teardown(gen, "backend rejected the session")
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	e.sender.Start(ctx, id.ID)
	e.channel.Open(id, e.sessions.Token())
	e.logger.Info("synchronizer started", zap.Int64("user_id", id.ID))
	e.bus.Publish(bus.NewEvent(bus.KindSessionStarted, id))

	go func() {
		if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("initial load failed", zap.Error(err))
		}
	}()
}

// Stop halts syncing but keeps the persisted session.
func (e *Engine) Stop() {
	e.life.Lock()
	defer e.life.Unlock()
	e.stop()
}

// stop returns the identity that was being synced, if any. Callers hold life.
func (e *Engine) stop() (domain.Identity, bool) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return domain.Identity{}, false
	}
	e.running = false
	id, cancel := e.identity, e.cancel
	e.mu.Unlock()

	e.channel.Close()
	cancel()
	e.sender.Stop()
	e.presence.Reset()
	e.logger.Info("synchronizer stopped")
	return id, true
}

// teardown is the reaction to a 401/403: stop and forget the session. It
// does nothing unless gen is still the running session.
func (e *Engine) teardown(gen uint64, reason string) {
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	current := e.running && e.gen == gen
	e.mu.Unlock()
	if !current {
		return
	}

	e.logger.Warn("tearing down session", zap.String("reason", reason))
	if id, ok := e.stop(); ok {
		e.purge(id.ID)
	}
	if err := e.sessions.Clear(); err != nil {
		e.logger.Error("failed to clear session", zap.Error(err))
	}
	e.bus.Publish(bus.NewEvent(bus.KindSessionStopped, reason))
}

// checkAuth tears r down when err says it is no longer valid.
func (e *Engine) checkAuth(r run, err error) error {
	if rest.IsUnauthorized(err) {
		go e.teardown(r.gen, "backend rejected the session")
	}
	return err
}

// Running reports whether a session is being synced.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) current() (run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return run{}, session.ErrNoSession
	}
	return run{identity: e.identity, gen: e.gen}, nil
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRealtimeMessage:
		m, ok := evt.Payload.(domain.Message)
		if !ok {
			return
		}
		e.applyMessage(ctx, m)
	case bus.KindRealtimeTyping:
		t, ok := evt.Payload.(domain.TypingEvent)
		if !ok {
			return
		}
		// Events on the user queue may omit the receiver; 0 means us.
		r, err := e.current()
		if err != nil || (t.ReceiverID != 0 && t.ReceiverID != r.identity.ID) {
			return
		}
		e.presence.SetTyping(t.SenderID, t.IsTyping)
	case bus.KindRealtimeReceipt:
		r, ok := evt.Payload.(domain.ReadReceipt)
		if !ok {
			return
		}
		e.projection.ApplyReadReceipt(r)
	case bus.KindRealtimePresence:
		p, ok := evt.Payload.(domain.PresenceEvent)
		if !ok {
			return
		}
		e.presence.SetOnline(p.UserID, p.Online)
	}
}

func (e *Engine) applyMessage(ctx context.Context, m domain.Message) {
	r, err := e.current()
	if err != nil {
		return
	}
	out := e.projection.ApplyInboundMessage(m)
	if out.Duplicate {
		return
	}

	if m.SenderID == r.identity.ID {
		for _, r := range out.Reconciled {
			e.sender.Reconciled(r)
		}
		if len(out.Reconciled) == 0 {
			e.sender.ObserveEcho(m)
		}
		return
	}

	if out.FocusedRead {
		go func() {
			rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			_ = e.checkAuth(r, e.projection.MarkRemoteRead(rctx, out.Peer))
		}()
	}
}

// SendMessage validates content, shows it optimistically and queues it
// for delivery. Validation failures never reach the network.
func (e *Engine) SendMessage(peer int64, content string, typ domain.MessageType) (domain.Message, error) {
	r, err := e.current()
	if err != nil {
		return domain.Message{}, err
	}
	out, err := domain.NewOutbound(r.identity.ID, peer, content, typ)
	if err != nil {
		return domain.Message{}, err
	}
	m := e.projection.NewProvisional(out)
	if _, err := e.projection.ApplyOutboundOptimistic(m); err != nil {
		return domain.Message{}, err
	}
	if err := e.sender.Enqueue(m); err != nil {
		e.projection.FailOutbound(peer, m.ClientID)
		return domain.Message{}, err
	}
	return m, nil
}

// SendTyping publishes our typing state to peer.
func (e *Engine) SendTyping(peer int64, isTyping bool) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	return e.channel.PublishTyping(domain.TypingEvent{SenderID: r.identity.ID, ReceiverID: peer, IsTyping: isTyping})
}

// ReadResult reports a mark-read. RemoteSynced is false when the backend
// call failed; the local reset stands either way.
type ReadResult struct {
	Peer         int64 `json:"peerId"`
	Cleared      int   `json:"cleared"`
	RemoteSynced bool  `json:"remoteSynced"`
}

// MarkRead clears peer's unread count locally and on the backend. A
// backend failure is only returned when it rejected the session.
func (e *Engine) MarkRead(ctx context.Context, peer int64) (ReadResult, error) {
	r, err := e.current()
	if err != nil {
		return ReadResult{}, err
	}
	out, err := e.projection.MarkConversationRead(ctx, peer)
	res := ReadResult{Peer: peer, Cleared: -out.UnreadDelta, RemoteSynced: err == nil}
	if rest.IsUnauthorized(err) {
		return res, e.checkAuth(r, err)
	}
	return res, nil
}

// Delete removes the conversation with peer on the backend, then locally,
// and drops any queued messages to it.
func (e *Engine) Delete(ctx context.Context, peer int64) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	if peer <= 0 {
		return errors.Join(domain.ErrInvalid, errors.New("peer id must be positive"))
	}
	if _, err := e.projection.DeleteConversation(ctx, peer); err != nil {
		return e.checkAuth(r, err)
	}
	e.presence.Forget(peer)
	if err := e.sender.Discard(peer); err != nil {
		e.logger.Warn("failed to drop queued messages", zap.Int64("peer_id", peer), zap.Error(err))
	}
	return nil
}

// Focus makes peer the focused conversation and marks it read. 0 clears
// focus and reports nothing to sync.
func (e *Engine) Focus(ctx context.Context, peer int64) (ReadResult, error) {
	if _, err := e.current(); err != nil {
		return ReadResult{}, err
	}
	e.projection.SetFocus(peer)
	if peer == 0 {
		return ReadResult{RemoteSynced: true}, nil
	}
	return e.MarkRead(ctx, peer)
}

// Status summarizes the synchronizer for the local API.
type Status struct {
	Identity         *domain.Identity `json:"identity,omitempty"`
	Running          bool             `json:"running"`
	ChannelState     status.State     `json:"channelState"`
	ChannelSince     time.Time        `json:"channelSince"`
	PendingReconnect bool             `json:"pendingReconnect"`
	Conversations    int              `json:"conversations"`
	TotalUnread      int              `json:"totalUnread"`
	Focus            int64            `json:"focus,omitempty"`
	Typing           []int64          `json:"typing,omitempty"` // peers typing to us right now
}

// Status returns the current summary.
func (e *Engine) Status() Status {
	st := Status{
		ChannelState:     e.channel.State(),
		ChannelSince:     e.channel.Since(),
		PendingReconnect: e.channel.PendingReconnect(),
	}
	if r, err := e.current(); err == nil {
		st.Identity = &r.identity
		st.Running = true
		snap := e.projection.Snapshot()
		st.Conversations = snap.Len()
		st.TotalUnread = snap.TotalUnread()
		st.Focus = snap.Focus()
		st.Typing = e.presence.Typing()
	}
	return st
}

// Conversations returns every conversation, most recent first.
func (e *Engine) Conversations() []domain.Conversation { return e.projection.Conversations() }

// Conversation returns one conversation.
func (e *Engine) Conversation(peer int64) (domain.Conversation, bool) {
	return e.projection.Conversation(peer)
}

// Matches returns the matches list.
func (e *Engine) Matches() []domain.Match { return e.projection.Matches() }

// Unread returns the total and the per-peer unread counts.
func (e *Engine) Unread() (int, map[int64]int) {
	snap := e.projection.Snapshot()
	per := make(map[int64]int, snap.Len())
	for _, peer := range snap.Peers() {
		if n := snap.UnreadFor(peer); n > 0 {
			per[peer] = n
		}
	}
	return snap.TotalUnread(), per
}
