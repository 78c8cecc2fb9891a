package projection

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tandem/internal/bus"
	"github.com/matheus3301/tandem/internal/domain"
	"go.uber.org/zap"
)

// Remote is the backend side of mark-read and delete.
type Remote interface {
	MarkRead(ctx context.Context, self domain.Identity, peer int64) error
	DeleteConversation(ctx context.Context, self domain.Identity, peer int64) error
}

// Presence decorates conversations with ephemeral flags at read time.
type Presence interface {
	IsOnline(peer int64) bool
	IsTyping(peer int64) bool
}

// ConversationUpdate is the payload of conversation.updated and
// conversation.deleted events.
type ConversationUpdate struct {
	Peer        int64 `json:"peerId"`
	UnreadCount int   `json:"unreadCount"`
	TotalUnread int   `json:"totalUnread"`
}

// Projection is the single writer over State. Every mutation runs one
// reducer under the lock and swaps in the result.
type Projection struct {
	remote   Remote
	presence Presence
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	self    domain.Identity
	opts    Options
	state   State
	matches []domain.Match
	// resetAt is the clock value at the last Reset. REST responses fetched
	// at an earlier base belong to a previous session.
	resetAt uint64
}

// New creates an empty Projection. Reset must be called with the signed-in
// identity before events are applied.
func New(opts Options, remote Remote, presence Presence, b *bus.Bus, logger *zap.Logger) *Projection {
	return &Projection{
		remote:   remote,
		presence: presence,
		bus:      b,
		logger:   logger,
		now:      time.Now,
		opts:     opts,
		state:    Empty(),
	}
}

// Reset drops all state and binds the projection to self. The clock keeps
// counting so that bases handed out before the reset stay recognizable.
func (p *Projection) Reset(self domain.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clock := p.state.clock + 1
	p.self = self
	p.opts.Self = self.ID
	p.state = Empty()
	p.state.clock = clock
	p.resetAt = clock
	p.matches = nil
}

// Stale reports whether base was taken before the last Reset.
func (p *Projection) Stale(base uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return base < p.resetAt
}

// Snapshot returns the current immutable state.
func (p *Projection) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Version returns the logical clock; pass it as base when a REST request
// starts so its response can be merged safely.
func (p *Projection) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clock
}

// ApplyInboundMessage applies a message from the realtime channel.
func (p *Projection) ApplyInboundMessage(m domain.Message) Outcome {
	return p.apply(func(s State, o Options) (State, Outcome) {
		return ApplyInboundMessage(s, o, m, p.now())
	})
}

// NewProvisional builds the optimistic entry for out, with a fresh
// client id when out has none.
func (p *Projection) NewProvisional(out domain.OutboundMessage) domain.Message {
	clientID := out.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return domain.Message{
		ClientID:   clientID,
		SenderID:   out.SenderID,
		ReceiverID: out.ReceiverID,
		Content:    out.Content,
		Type:       out.Type,
		CreatedAt:  p.now(),
		Pending:    true,
	}
}

// ApplyOutboundOptimistic appends a provisional message immediately.
func (p *Projection) ApplyOutboundOptimistic(m domain.Message) (Outcome, error) {
	if !m.Provisional() {
		return Outcome{}, fmt.Errorf("%w: optimistic message needs a client id and no server id", domain.ErrInvalid)
	}
	out := p.apply(func(s State, o Options) (State, Outcome) {
		if m.SenderID != o.Self {
			return s, Outcome{Peer: m.ReceiverID}
		}
		return ApplyOutboundOptimistic(s, o, m)
	})
	if !out.Changed && !out.Duplicate {
		return out, fmt.Errorf("%w: sender %d is not the signed-in user", domain.ErrInvalid, m.SenderID)
	}
	return out, nil
}

// ConfirmOutbound reconciles a provisional entry with the REST response.
func (p *Projection) ConfirmOutbound(clientID string, msg domain.Message) Outcome {
	return p.apply(func(s State, _ Options) (State, Outcome) {
		return ConfirmOutbound(s, clientID, msg)
	})
}

// FailOutbound flags a provisional entry as undeliverable.
func (p *Projection) FailOutbound(peer int64, clientID string) Outcome {
	return p.apply(func(s State, _ Options) (State, Outcome) {
		return FailOutbound(s, peer, clientID)
	})
}

// ApplyReadReceipt marks one of our messages read.
func (p *Projection) ApplyReadReceipt(r domain.ReadReceipt) Outcome {
	return p.apply(func(s State, _ Options) (State, Outcome) {
		return ApplyReadReceipt(s, r)
	})
}

// MarkConversationRead resets peer's unread count locally, then tells the
// backend. A backend failure is logged and returned; the local reset stays.
func (p *Projection) MarkConversationRead(ctx context.Context, peer int64) (Outcome, error) {
	out := p.apply(func(s State, _ Options) (State, Outcome) {
		return MarkRead(s, peer, p.now())
	})
	return out, p.MarkRemoteRead(ctx, peer)
}

// MarkRemoteRead only tells the backend that peer's messages were read.
func (p *Projection) MarkRemoteRead(ctx context.Context, peer int64) error {
	if p.remote == nil {
		return nil
	}
	self := p.identity()
	if err := p.remote.MarkRead(ctx, self, peer); err != nil {
		p.logger.Warn("remote mark-read failed, keeping local state", zap.Int64("peer_id", peer), zap.Error(err))
		return err
	}
	return nil
}

// DeleteConversation deletes on the backend first; local state is only
// dropped once the backend agreed.
func (p *Projection) DeleteConversation(ctx context.Context, peer int64) (Outcome, error) {
	if p.remote != nil {
		if err := p.remote.DeleteConversation(ctx, p.identity(), peer); err != nil {
			return Outcome{Peer: peer}, err
		}
	}
	p.mu.Lock()
	next, out := Delete(p.state, peer)
	p.state = next
	total := next.TotalUnread()
	p.mu.Unlock()

	if out.Changed {
		p.publish(bus.KindConversationDeleted, ConversationUpdate{Peer: peer, TotalUnread: total})
	}
	return out, nil
}

// ReplaceSnapshot merges a REST conversation list fetched at base. A list
// fetched before the last Reset is dropped.
func (p *Projection) ReplaceSnapshot(convs []domain.Conversation, base uint64) SnapshotOutcome {
	p.mu.Lock()
	if base < p.resetAt {
		p.mu.Unlock()
		p.logger.Debug("dropping snapshot from a previous session", zap.Uint64("base", base))
		return SnapshotOutcome{Stale: true}
	}
	next, out := ReplaceSnapshot(p.state, p.opts, convs, base)
	p.state = next
	total := next.TotalUnread()
	p.mu.Unlock()

	if len(out.Protected) > 0 {
		p.logger.Debug("snapshot skipped newer local conversations", zap.Int64s("peer_ids", out.Protected))
	}
	p.publish(bus.KindConversationsLoaded, SnapshotSummary{Conversations: next.Len(), TotalUnread: total})
	return out
}

// SnapshotSummary is the payload of conversation.snapshot events.
type SnapshotSummary struct {
	Conversations int `json:"conversations"`
	TotalUnread   int `json:"totalUnread"`
}

// ApplyHistory merges a REST history for peer fetched at base.
func (p *Projection) ApplyHistory(peer int64, history []domain.Message, base uint64) Outcome {
	return p.apply(func(s State, o Options) (State, Outcome) {
		if base < p.resetAt {
			return s, Outcome{Peer: peer}
		}
		return ApplyHistory(s, o, peer, history, base)
	})
}

// SetFocus focuses peer; 0 clears focus.
func (p *Projection) SetFocus(peer int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = SetFocus(p.state, peer)
}

// Focus returns the focused peer, or 0.
func (p *Projection) Focus() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.focus
}

// SetMatches replaces the matches list fetched at base.
func (p *Projection) SetMatches(matches []domain.Match, base uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if base < p.resetAt {
		return false
	}
	p.matches = slices.Clone(matches)
	return true
}

// Matches returns the matches list, newest first.
func (p *Projection) Matches() []domain.Match {
	p.mu.RLock()
	out := slices.Clone(p.matches)
	p.mu.RUnlock()
	slices.SortStableFunc(out, func(a, b domain.Match) int {
		return b.MatchedAt.Compare(a.MatchedAt)
	})
	return out
}

// TotalUnread sums unread counts.
func (p *Projection) TotalUnread() int {
	return p.Snapshot().TotalUnread()
}

// UnreadFor returns peer's unread count.
func (p *Projection) UnreadFor(peer int64) int {
	return p.Snapshot().UnreadFor(peer)
}

// Conversation returns peer's conversation with presence flags applied.
func (p *Projection) Conversation(peer int64) (domain.Conversation, bool) {
	c, ok := p.Snapshot().Get(peer)
	if !ok {
		return c, false
	}
	return p.decorate(c), true
}

// Conversations returns every conversation, most recent first.
func (p *Projection) Conversations() []domain.Conversation {
	s := p.Snapshot()
	out := make([]domain.Conversation, 0, s.Len())
	for _, peer := range s.Peers() {
		c, _ := s.Get(peer)
		out = append(out, p.decorate(c))
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		switch {
		case a.Peer.ID < b.Peer.ID:
			return -1
		case a.Peer.ID > b.Peer.ID:
			return 1
		}
		return 0
	})
	return out
}

func (p *Projection) decorate(c domain.Conversation) domain.Conversation {
	if p.presence != nil {
		c.Online = p.presence.IsOnline(c.Peer.ID)
		c.Typing = p.presence.IsTyping(c.Peer.ID)
	}
	return c
}

func (p *Projection) identity() domain.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.self
}

func (p *Projection) apply(reduce func(State, Options) (State, Outcome)) Outcome {
	p.mu.Lock()
	next, out := reduce(p.state, p.opts)
	p.state = next
	unread := next.UnreadFor(out.Peer)
	total := next.TotalUnread()
	p.mu.Unlock()

	if out.Changed {
		p.publish(bus.KindConversationUpdated, ConversationUpdate{Peer: out.Peer, UnreadCount: unread, TotalUnread: total})
	}
	return out
}

func (p *Projection) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.NewEvent(kind, payload))
	}
}
