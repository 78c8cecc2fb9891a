package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/tandem/internal/bus"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/metrics"
	"github.com/matheus3301/tandem/internal/projection"
	"github.com/matheus3301/tandem/internal/rest"
	"github.com/matheus3301/tandem/internal/store"
	"go.uber.org/zap"
)

// Delivery paths recorded on sent entries.
const (
	PathChannel = "channel"
	PathREST    = "rest"
)

// Publisher is the realtime side: fire-and-forget publish.
type Publisher interface {
	PublishMessage(out domain.OutboundMessage) error
}

// Poster is the REST fallback, which answers with the stored message.
type Poster interface {
	SendMessage(ctx context.Context, out domain.OutboundMessage) (domain.Message, error)
}

// Reconciler receives delivery outcomes for provisional entries.
type Reconciler interface {
	ConfirmOutbound(clientID string, msg domain.Message) projection.Outcome
	FailOutbound(peer int64, clientID string) projection.Outcome
}

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	ClientID string `json:"clientId"`
	ServerID int64  `json:"serverId,omitempty"`
	Peer     int64  `json:"peerId"`
	Path     string `json:"path"`
}

// SendFailure is the payload of message.send_failed events. Retryable is
// set when resending the same message could succeed later.
type SendFailure struct {
	ClientID  string `json:"clientId"`
	Peer      int64  `json:"peerId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Sender drains the outbox. Each queued message is published on the
// realtime channel when it is up, and posted over REST otherwise.
type Sender struct {
	db         *store.DB
	channel    Publisher
	poster     Poster
	reconciler Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	interval   time.Duration
	echoWindow time.Duration

	kick chan struct{}
	mu   sync.Mutex // serializes processPending

	lifeMu sync.Mutex // guards cancel and done
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, channel Publisher, poster Poster, reconciler Reconciler, b *bus.Bus,
	interval, echoWindow time.Duration, logger *zap.Logger) *Sender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		db:         db,
		channel:    channel,
		poster:     poster,
		reconciler: reconciler,
		bus:        b,
		logger:     logger,
		interval:   interval,
		echoWindow: echoWindow,
		kick:       make(chan struct{}, 1),
	}
}

// Enqueue stores m, a provisional message, for delivery and wakes the loop.
func (s *Sender) Enqueue(m domain.Message) error {
	err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: m.ClientID,
		SenderID:    m.SenderID,
		PeerID:      m.ReceiverID,
		Body:        m.Content,
		MessageType: string(m.Type),
	})
	if err != nil {
		return err
	}
	s.Kick()
	return nil
}

// Kick triggers a delivery pass without waiting for the ticker.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start requeues self's entries interrupted by a crash and begins polling.
// Only entries sent by self are delivered; a running loop is stopped first.
func (s *Sender) Start(ctx context.Context, self int64) {
	if n, err := s.db.RequeueInterrupted(self); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.lifeMu.Lock()
	prevCancel, prevDone := s.cancel, s.done
	s.cancel, s.done = cancel, done
	s.lifeMu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}
	go s.loop(ctx, self, done)
}

// Stop stops the sender loop and waits for the current pass.
func (s *Sender) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Purge drops self's messages that were never confirmed sent. Call it once
// the session that queued them is gone.
func (s *Sender) Purge(self int64) error {
	n, err := s.db.DropUnsent(self)
	if n > 0 {
		s.logger.Info("dropped unsent messages", zap.Int64("sender_id", self), zap.Int64("count", n))
	}
	return err
}

func (s *Sender) loop(ctx context.Context, self int64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx, self)
		case <-s.kick:
			s.processPending(ctx, self)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context, self int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.db.PendingOutbox(self)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	out := domain.OutboundMessage{
		ClientID:   entry.ClientMsgID,
		SenderID:   entry.SenderID,
		ReceiverID: entry.PeerID,
		Content:    entry.Body,
		Type:       domain.MessageType(entry.MessageType),
	}
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.Int64("peer_id", entry.PeerID))

	err := s.channel.PublishMessage(out)
	if err == nil {
		if err := s.db.MarkOutboxPublished(entry.ClientMsgID); err != nil {
			log.Error("failed to mark published", zap.Error(err))
		}
		metrics.IncOutboxDelivery(PathChannel, "published")
		log.Debug("message published on channel")
		return
	}
	if errors.Is(err, domain.ErrInvalid) {
		s.fail(entry, err, log)
		return
	}
	log.Debug("channel unavailable, falling back to REST", zap.Error(err))

	msg, err := s.poster.SendMessage(ctx, out)
	if err != nil {
		if rest.IsUnauthorized(err) {
			s.bus.Publish(bus.NewEvent(bus.KindSessionUnauthorized, err.Error()))
		}
		s.fail(entry, err, log)
		metrics.IncOutboxDelivery(PathREST, "failed")
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, msg.ID, PathREST); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	s.reconciler.ConfirmOutbound(entry.ClientMsgID, msg)
	metrics.IncOutboxDelivery(PathREST, "sent")
	log.Info("message sent", zap.Int64("server_msg_id", msg.ID), zap.String("path", PathREST))
	s.bus.Publish(bus.NewEvent(bus.KindMessageSendAck, SendAck{
		ClientID: entry.ClientMsgID, ServerID: msg.ID, Peer: entry.PeerID, Path: PathREST,
	}))
}

func (s *Sender) fail(entry store.OutboxEntry, err error, log *zap.Logger) {
	log.Error("failed to send message", zap.Error(err))
	if merr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); merr != nil {
		log.Error("failed to mark failed", zap.Error(merr))
	}
	s.reconciler.FailOutbound(entry.PeerID, entry.ClientMsgID)
	s.bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, SendFailure{
		ClientID: entry.ClientMsgID, Peer: entry.PeerID, Error: err.Error(), Retryable: rest.IsRetryable(err),
	}))
}

// Reconciled records that the projection matched a channel echo (or a
// history entry) to a published message.
func (s *Sender) Reconciled(r projection.Reconciliation) {
	s.markEchoed(r.ClientID, r.Message)
}

// ObserveEcho matches an echo of our own message that the projection could
// not pair with a window entry, e.g. because it was evicted.
func (s *Sender) ObserveEcho(m domain.Message) {
	if m.ClientID != "" {
		s.markEchoed(m.ClientID, m)
		return
	}
	published, err := s.db.PublishedOutbox(m.SenderID)
	if err != nil {
		s.logger.Error("failed to read published outbox", zap.Error(err))
		return
	}
	for _, e := range published {
		created := time.UnixMilli(e.CreatedAt)
		d := m.CreatedAt.Sub(created)
		if d < 0 {
			d = -d
		}
		if e.PeerID == m.ReceiverID && e.Body == m.Content && d <= s.echoWindow {
			s.markEchoed(e.ClientMsgID, m)
			return
		}
	}
}

func (s *Sender) markEchoed(clientID string, m domain.Message) {
	e, err := s.db.GetOutbox(clientID)
	if err != nil {
		s.logger.Error("failed to read outbox entry", zap.Error(err), zap.String("client_msg_id", clientID))
		return
	}
	if e == nil || e.Status == store.OutboxSent {
		return
	}
	if err := s.db.MarkOutboxSent(clientID, m.ID, ""); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientID))
		return
	}
	metrics.IncOutboxDelivery(PathChannel, "echoed")
	s.bus.Publish(bus.NewEvent(bus.KindMessageSendAck, SendAck{
		ClientID: clientID, ServerID: m.ID, Peer: e.PeerID, Path: PathChannel,
	}))
}

// Discard drops undelivered messages to peer.
func (s *Sender) Discard(peer int64) error {
	n, err := s.db.DropQueuedForPeer(peer)
	if n > 0 {
		s.logger.Info("dropped undelivered messages", zap.Int64("peer_id", peer), zap.Int64("count", n))
	}
	return err
}
