package projection

import (
	"maps"
	"time"

	"github.com/matheus3301/tandem/internal/domain"
)

// DefaultWindow is the recent-message capacity when none is configured.
const DefaultWindow = 5

// Options are the fixed parameters every reducer needs.
type Options struct {
	Self       int64
	Window     int
	EchoWindow time.Duration
}

func (o Options) window() int {
	if o.Window <= 0 {
		return DefaultWindow
	}
	return o.Window
}

// State is an immutable snapshot of all conversations. Reducers never
// modify a State in place; they return a new one sharing untouched data.
type State struct {
	conversations map[int64]domain.Conversation
	// versions records the clock value of the last local mutation per peer,
	// including deletions, so stale REST responses can be recognized.
	versions map[int64]uint64
	clock    uint64
	focus    int64
}

// Empty returns a State with no conversations.
func Empty() State {
	return State{
		conversations: map[int64]domain.Conversation{},
		versions:      map[int64]uint64{},
	}
}

// Clock returns the logical time of the latest mutation.
func (s State) Clock() uint64 { return s.clock }

// Focus returns the focused peer, or 0.
func (s State) Focus() int64 { return s.focus }

// Version returns the clock value of peer's latest mutation.
func (s State) Version(peer int64) uint64 { return s.versions[peer] }

// Get returns a copy of peer's conversation.
func (s State) Get(peer int64) (domain.Conversation, bool) {
	c, ok := s.conversations[peer]
	if !ok {
		return domain.Conversation{}, false
	}
	return c.Clone(), true
}

// Len returns the number of conversations.
func (s State) Len() int { return len(s.conversations) }

// Peers returns every peer with a conversation, in no particular order.
func (s State) Peers() []int64 {
	out := make([]int64, 0, len(s.conversations))
	for p := range s.conversations {
		out = append(out, p)
	}
	return out
}

// TotalUnread sums unread counts across conversations.
func (s State) TotalUnread() int {
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

// UnreadFor returns peer's unread count, 0 when unknown.
func (s State) UnreadFor(peer int64) int {
	return s.conversations[peer].UnreadCount
}

// put returns a copy of s with peer's conversation replaced and its
// version advanced.
func (s State) put(peer int64, c domain.Conversation) State {
	next := s.fork()
	next.conversations[peer] = c
	next.clock++
	next.versions[peer] = next.clock
	return next
}

// remove returns a copy of s without peer's conversation. The version is
// still advanced so a stale snapshot cannot bring it back.
func (s State) remove(peer int64) State {
	next := s.fork()
	delete(next.conversations, peer)
	next.clock++
	next.versions[peer] = next.clock
	if next.focus == peer {
		next.focus = 0
	}
	return next
}

func (s State) fork() State {
	next := State{
		conversations: maps.Clone(s.conversations),
		versions:      maps.Clone(s.versions),
		clock:         s.clock,
		focus:         s.focus,
	}
	if next.conversations == nil {
		next.conversations = map[int64]domain.Conversation{}
	}
	if next.versions == nil {
		next.versions = map[int64]uint64{}
	}
	return next
}
