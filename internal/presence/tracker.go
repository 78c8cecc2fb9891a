package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/tandem/internal/bus"
)

// TypingChange is the payload of presence.typing events.
type TypingChange struct {
	Peer   int64 `json:"peerId"`
	Typing bool  `json:"isTyping"`
}

// OnlineChange is the payload of presence.online events.
type OnlineChange struct {
	Peer   int64 `json:"peerId"`
	Online bool  `json:"online"`
}

type typingEntry struct {
	timer *time.Timer
	seq   uint64
}

// Tracker holds ephemeral presence: who is typing (time-boxed) and who is
// online. Nothing here is persisted.
type Tracker struct {
	timeout time.Duration
	bus     *bus.Bus

	mu     sync.Mutex
	seq    uint64
	typing map[int64]*typingEntry
	online map[int64]bool
}

// NewTracker creates a Tracker whose typing flags expire after timeout.
func NewTracker(timeout time.Duration, b *bus.Bus) *Tracker {
	return &Tracker{
		timeout: timeout,
		bus:     b,
		typing:  make(map[int64]*typingEntry),
		online:  make(map[int64]bool),
	}
}

// SetTyping marks peer as typing, refreshing its expiry, or clears it
// immediately when isTyping is false.
func (t *Tracker) SetTyping(peer int64, isTyping bool) {
	t.mu.Lock()
	entry, was := t.typing[peer]
	if !isTyping {
		if was {
			entry.timer.Stop()
			delete(t.typing, peer)
		}
		t.mu.Unlock()
		if was {
			t.publish(bus.KindTypingChanged, TypingChange{Peer: peer, Typing: false})
		}
		return
	}

	t.seq++
	seq := t.seq
	if was {
		entry.timer.Stop()
	}
	t.typing[peer] = &typingEntry{
		seq:   seq,
		timer: time.AfterFunc(t.timeout, func() { t.expire(peer, seq) }),
	}
	t.mu.Unlock()

	if !was {
		t.publish(bus.KindTypingChanged, TypingChange{Peer: peer, Typing: true})
	}
}

func (t *Tracker) expire(peer int64, seq uint64) {
	t.mu.Lock()
	entry, ok := t.typing[peer]
	if !ok || entry.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.typing, peer)
	t.mu.Unlock()
	t.publish(bus.KindTypingChanged, TypingChange{Peer: peer, Typing: false})
}

// IsTyping reports whether peer is currently typing.
func (t *Tracker) IsTyping(peer int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[peer]
	return ok
}

// Typing returns the peers currently typing, ascending.
func (t *Tracker) Typing() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.typing))
	for p := range t.typing {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// SetOnline records an authoritative presence update.
func (t *Tracker) SetOnline(peer int64, online bool) {
	t.mu.Lock()
	changed := t.online[peer] != online
	if online {
		t.online[peer] = true
	} else {
		delete(t.online, peer)
	}
	t.mu.Unlock()
	if changed {
		t.publish(bus.KindOnlineChanged, OnlineChange{Peer: peer, Online: online})
	}
}

// Seed applies online flags from a REST snapshot.
func (t *Tracker) Seed(flags map[int64]bool) {
	for peer, online := range flags {
		t.SetOnline(peer, online)
	}
}

// IsOnline reports whether peer is in the online set.
func (t *Tracker) IsOnline(peer int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[peer]
}

// Forget drops all presence for peer, e.g. after its conversation is deleted.
func (t *Tracker) Forget(peer int64) {
	t.mu.Lock()
	if entry, ok := t.typing[peer]; ok {
		entry.timer.Stop()
		delete(t.typing, peer)
	}
	delete(t.online, peer)
	t.mu.Unlock()
}

// Reset stops every timer and empties both sets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.typing {
		entry.timer.Stop()
	}
	t.typing = make(map[int64]*typingEntry)
	t.online = make(map[int64]bool)
}

func (t *Tracker) publish(kind string, payload any) {
	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(kind, payload))
	}
}
