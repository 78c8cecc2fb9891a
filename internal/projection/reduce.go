package projection

import (
	"slices"
	"time"

	"github.com/matheus3301/tandem/internal/domain"
)

// Reconciliation pairs a provisional client id with the authoritative
// message that replaced it.
type Reconciliation struct {
	ClientID string
	Message  domain.Message
}

// Outcome describes what a reducer did to one conversation.
type Outcome struct {
	Peer        int64
	Changed     bool
	Created     bool
	Duplicate   bool
	FocusedRead bool // inbound message landed in the focused conversation
	UnreadDelta int
	Reconciled  []Reconciliation
}

// ApplyInboundMessage folds a message from the messages topic into s.
// Messages we sent (echoes) land in the receiver's conversation and replace
// their provisional twin; they never count as unread. Messages already
// held by id are ignored.
func ApplyInboundMessage(s State, o Options, m domain.Message, now time.Time) (State, Outcome) {
	if m.SenderID != o.Self && m.ReceiverID != o.Self {
		return s, Outcome{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Pending, m.Failed = false, false
	if m.SenderID == o.Self {
		return applyEcho(s, o, m)
	}

	peer := m.SenderID
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		c = domain.Conversation{Peer: domain.Profile{ID: peer}}
		out.Created = true
	}
	if m.ID != 0 && indexByID(c.Recent, m.ID) >= 0 {
		out.Duplicate = true
		return s, out
	}

	if s.focus == peer {
		readAt := now
		m.Read = true
		m.ReadAt = &readAt
		out.FocusedRead = true
	} else {
		c.UnreadCount++
		out.UnreadDelta = 1
	}
	c.Recent = appendWindow(c.Recent, m, o.window())
	setLast(&c, m)
	out.Changed = true
	return s.put(peer, c), out
}

func applyEcho(s State, o Options, m domain.Message) (State, Outcome) {
	peer := m.ReceiverID
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		c = domain.Conversation{Peer: domain.Profile{ID: peer}}
		out.Created = true
	}
	if m.ID != 0 && indexByID(c.Recent, m.ID) >= 0 {
		out.Duplicate = true
		return s, out
	}

	if i := findProvisional(c.Recent, m, o.EchoWindow); i >= 0 {
		clientID := c.Recent[i].ClientID
		m.ClientID = clientID
		c.Recent = slices.Clone(c.Recent)
		c.Recent[i] = m
		if c.LastMessage != nil && c.LastMessage.ClientID == clientID {
			lm := m
			c.LastMessage = &lm
		}
		out.Reconciled = []Reconciliation{{ClientID: clientID, Message: m}}
	} else {
		// Sent from another device, or the provisional entry was evicted.
		c.Recent = appendWindow(c.Recent, m, o.window())
		setLast(&c, m)
	}
	out.Changed = true
	return s.put(peer, c), out
}

// ApplyOutboundOptimistic appends a provisional message to the receiver's
// conversation. Unread is never touched.
func ApplyOutboundOptimistic(s State, o Options, m domain.Message) (State, Outcome) {
	peer := m.ReceiverID
	out := Outcome{Peer: peer}
	if !m.Provisional() || m.SenderID != o.Self {
		return s, out
	}
	c, ok := s.conversations[peer]
	if !ok {
		c = domain.Conversation{Peer: domain.Profile{ID: peer}}
		out.Created = true
	}
	if indexByClientID(c.Recent, m.ClientID) >= 0 {
		out.Duplicate = true
		return s, out
	}
	m.Pending = true
	c.Recent = appendWindow(c.Recent, m, o.window())
	setLast(&c, m)
	out.Changed = true
	return s.put(peer, c), out
}

// ConfirmOutbound replaces the provisional entry clientID with msg, the
// authoritative copy returned by the REST fallback.
func ConfirmOutbound(s State, clientID string, msg domain.Message) (State, Outcome) {
	peer := msg.ReceiverID
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		return s, out
	}
	i := indexByClientID(c.Recent, clientID)
	if i < 0 {
		return s, out
	}

	msg.ClientID = clientID
	msg.Pending, msg.Failed = false, false
	recent := slices.Clone(c.Recent)
	if msg.ID != 0 && indexByID(recent, msg.ID) >= 0 {
		// The echo already delivered this message under its real id.
		recent = slices.Delete(recent, i, i+1)
	} else {
		recent[i] = msg
	}
	c.Recent = recent
	if c.LastMessage != nil && c.LastMessage.ClientID == clientID {
		lm := msg
		c.LastMessage = &lm
	}
	out.Changed = true
	out.Reconciled = []Reconciliation{{ClientID: clientID, Message: msg}}
	return s.put(peer, c), out
}

// FailOutbound flags the provisional entry clientID as failed.
func FailOutbound(s State, peer int64, clientID string) (State, Outcome) {
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		return s, out
	}
	i := indexByClientID(c.Recent, clientID)
	if i < 0 || !c.Recent[i].Provisional() {
		return s, out
	}
	c.Recent = slices.Clone(c.Recent)
	c.Recent[i].Pending = false
	c.Recent[i].Failed = true
	if c.LastMessage != nil && c.LastMessage.ClientID == clientID {
		lm := c.Recent[i]
		c.LastMessage = &lm
	}
	out.Changed = true
	return s.put(peer, c), out
}

// ApplyReadReceipt marks one of our messages read by its receiver. Unread
// counts are not affected.
func ApplyReadReceipt(s State, r domain.ReadReceipt) (State, Outcome) {
	peer := r.ReadBy
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		return s, out
	}
	i := indexByID(c.Recent, r.MessageID)
	if i < 0 {
		if c.LastMessage == nil || c.LastMessage.ID != r.MessageID {
			return s, out
		}
	} else {
		c.Recent = slices.Clone(c.Recent)
		markRead(&c.Recent[i], r.ReadAt)
	}
	if c.LastMessage != nil && c.LastMessage.ID == r.MessageID {
		lm := *c.LastMessage
		markRead(&lm, r.ReadAt)
		c.LastMessage = &lm
	}
	out.Changed = true
	return s.put(peer, c), out
}

// MarkRead zeroes peer's unread count and marks every held message read.
// Applying it twice leaves s unchanged the second time.
func MarkRead(s State, peer int64, now time.Time) (State, Outcome) {
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		return s, out
	}
	if c.UnreadCount == 0 && allRead(c) {
		return s, out
	}

	out.UnreadDelta = -c.UnreadCount
	c.UnreadCount = 0
	c.Recent = slices.Clone(c.Recent)
	for i := range c.Recent {
		markRead(&c.Recent[i], now)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		markRead(&lm, now)
		c.LastMessage = &lm
	}
	out.Changed = true
	return s.put(peer, c), out
}

// Delete removes peer's conversation.
func Delete(s State, peer int64) (State, Outcome) {
	c, ok := s.conversations[peer]
	if !ok {
		return s, Outcome{Peer: peer}
	}
	return s.remove(peer), Outcome{Peer: peer, Changed: true, UnreadDelta: -c.UnreadCount}
}

// SetFocus makes peer the focused conversation; 0 clears focus.
func SetFocus(s State, peer int64) State {
	if s.focus == peer {
		return s
	}
	next := s.fork()
	next.focus = peer
	return next
}

// SnapshotOutcome lists how a REST snapshot was merged.
type SnapshotOutcome struct {
	Added     []int64
	Replaced  []int64
	Kept      []int64 // local state was newer
	Removed   []int64
	Protected []int64 // mutated locally after the request started
	Stale     bool    // fetched before the last reset, nothing applied
}

// ReplaceSnapshot merges an authoritative conversation list fetched when
// the clock read base. Per conversation the more recent lastMessageAt
// wins; conversations mutated after base are left alone, and so are
// conversations still holding unsent messages.
func ReplaceSnapshot(s State, o Options, convs []domain.Conversation, base uint64) (State, SnapshotOutcome) {
	var out SnapshotOutcome
	next := s.fork()
	next.clock++

	remote := make(map[int64]domain.Conversation, len(convs))
	for _, r := range convs {
		remote[r.Peer.ID] = r
	}

	for peer, local := range s.conversations {
		if _, ok := remote[peer]; ok {
			continue
		}
		if s.versions[peer] > base || hasProvisional(local.Recent) {
			out.Protected = append(out.Protected, peer)
			continue
		}
		delete(next.conversations, peer)
		out.Removed = append(out.Removed, peer)
	}

	for peer, r := range remote {
		if s.versions[peer] > base {
			out.Protected = append(out.Protected, peer)
			continue
		}
		r = r.Clone()
		r.Recent = trimWindow(r.Recent, o.window())
		if r.UnreadCount < 0 {
			r.UnreadCount = 0
		}
		local, ok := s.conversations[peer]
		switch {
		case !ok:
			next.conversations[peer] = r
			out.Added = append(out.Added, peer)
		case r.LastMessageAt.Before(local.LastMessageAt):
			local.Peer = mergeProfile(local.Peer, r.Peer)
			next.conversations[peer] = local
			out.Kept = append(out.Kept, peer)
		default:
			r.Recent = carryProvisional(r.Recent, local.Recent, o.window())
			next.conversations[peer] = r
			out.Replaced = append(out.Replaced, peer)
		}
	}
	return next, out
}

// ApplyHistory merges a full history for peer fetched when the clock read
// base into the recent window. Unread is not touched.
func ApplyHistory(s State, o Options, peer int64, history []domain.Message, base uint64) (State, Outcome) {
	out := Outcome{Peer: peer}
	c, ok := s.conversations[peer]
	if !ok {
		if s.versions[peer] > base {
			return s, out // deleted while the request was in flight
		}
		c = domain.Conversation{Peer: domain.Profile{ID: peer}}
		out.Created = true
	}

	merged := slices.Clone(history)
	for _, local := range c.Recent {
		switch {
		case local.Provisional():
			if j := findAuthoritative(merged, local, o.EchoWindow); j >= 0 {
				merged[j].ClientID = local.ClientID
				out.Reconciled = append(out.Reconciled, Reconciliation{ClientID: local.ClientID, Message: merged[j]})
				continue
			}
			merged = append(merged, local)
		default:
			if j := indexByID(merged, local.ID); j >= 0 {
				if local.Read && !merged[j].Read {
					merged[j].Read, merged[j].ReadAt = true, local.ReadAt
				}
				continue
			}
			merged = append(merged, local)
		}
	}
	domain.SortMessages(merged)
	c.Recent = trimWindow(merged, o.window())
	if n := len(merged); n > 0 {
		last := merged[n-1]
		if c.LastMessage == nil || !last.CreatedAt.Before(c.LastMessageAt) {
			setLast(&c, last)
		}
	}
	out.Changed = true
	return s.put(peer, c), out
}

func appendWindow(recent []domain.Message, m domain.Message, n int) []domain.Message {
	out := make([]domain.Message, 0, len(recent)+1)
	out = append(out, recent...)
	out = append(out, m)
	return trimWindow(out, n)
}

// trimWindow keeps the newest n entries.
func trimWindow(recent []domain.Message, n int) []domain.Message {
	if len(recent) <= n {
		return recent
	}
	return slices.Clone(recent[len(recent)-n:])
}

func setLast(c *domain.Conversation, m domain.Message) {
	lm := m
	c.LastMessage = &lm
	c.LastMessageAt = m.CreatedAt
}

func markRead(m *domain.Message, at time.Time) {
	if m.Read {
		return
	}
	m.Read = true
	if m.ReadAt == nil {
		readAt := at
		m.ReadAt = &readAt
	}
}

func allRead(c domain.Conversation) bool {
	for _, m := range c.Recent {
		if !m.Read {
			return false
		}
	}
	return c.LastMessage == nil || c.LastMessage.Read
}

func indexByID(msgs []domain.Message, id int64) int {
	if id == 0 {
		return -1
	}
	return slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == id })
}

func indexByClientID(msgs []domain.Message, clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ClientID == clientID })
}

// findProvisional locates the pending entry an echo stands for: by client
// id when the echo carries one, otherwise the oldest pending entry with the
// same receiver and content created within window of the echo.
func findProvisional(recent []domain.Message, echo domain.Message, window time.Duration) int {
	return slices.IndexFunc(recent, func(p domain.Message) bool {
		if !p.Provisional() || !p.Pending {
			return false
		}
		if echo.ClientID != "" {
			return p.ClientID == echo.ClientID
		}
		return echoMatches(p, echo, window)
	})
}

// findAuthoritative is findProvisional's inverse, for history merges.
func findAuthoritative(history []domain.Message, p domain.Message, window time.Duration) int {
	return slices.IndexFunc(history, func(m domain.Message) bool {
		return m.ClientID == "" && echoMatches(p, m, window)
	})
}

func echoMatches(p, m domain.Message, window time.Duration) bool {
	if p.SenderID != m.SenderID || p.ReceiverID != m.ReceiverID || p.Content != m.Content {
		return false
	}
	d := m.CreatedAt.Sub(p.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func hasProvisional(msgs []domain.Message) bool {
	return slices.ContainsFunc(msgs, domain.Message.Provisional)
}

// carryProvisional appends local provisional entries missing from remote.
func carryProvisional(remote, local []domain.Message, n int) []domain.Message {
	out := remote
	for _, m := range local {
		if m.Provisional() && indexByClientID(out, m.ClientID) < 0 {
			out = append(slices.Clip(out), m)
		}
	}
	return trimWindow(out, n)
}

func mergeProfile(local, remote domain.Profile) domain.Profile {
	if remote.Username == "" && remote.Name == "" {
		return local
	}
	return remote
}
