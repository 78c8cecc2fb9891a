package presence

import (
	"testing"
	"time"

	"github.com/matheus3301/tandem/internal/bus"
)

func TestTypingAutoExpires(t *testing.T) {
	tr := NewTracker(50*time.Millisecond, nil)
	defer tr.Reset()

	tr.SetTyping(7, true)
	if !tr.IsTyping(7) {
		t.Fatal("7 should be typing right after SetTyping")
	}

	time.Sleep(120 * time.Millisecond)
	if tr.IsTyping(7) {
		t.Error("7 should no longer be typing after the timeout")
	}
}

func TestTypingClearsOnExplicitFalse(t *testing.T) {
	tr := NewTracker(time.Hour, nil)
	defer tr.Reset()

	tr.SetTyping(7, true)
	tr.SetTyping(7, false)
	if tr.IsTyping(7) {
		t.Error("explicit false must clear immediately")
	}
	// Clearing an absent peer is harmless.
	tr.SetTyping(8, false)
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	tr := NewTracker(80*time.Millisecond, nil)
	defer tr.Reset()

	tr.SetTyping(7, true)
	time.Sleep(50 * time.Millisecond)
	tr.SetTyping(7, true)
	time.Sleep(50 * time.Millisecond)
	if !tr.IsTyping(7) {
		t.Error("refresh should have extended the expiry")
	}
	time.Sleep(80 * time.Millisecond)
	if tr.IsTyping(7) {
		t.Error("7 should expire after the refreshed timeout")
	}
}

func TestTypingSet(t *testing.T) {
	tr := NewTracker(time.Hour, nil)
	defer tr.Reset()

	tr.SetTyping(9, true)
	tr.SetTyping(3, true)
	got := tr.Typing()
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Errorf("Typing() = %v, want [3 9]", got)
	}
}

func TestTypingEventsOnEdgesOnly(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 16)
	defer unsub()

	tr := NewTracker(time.Hour, b)
	defer tr.Reset()

	tr.SetTyping(7, true)
	tr.SetTyping(7, true)
	tr.SetTyping(7, false)

	var got []TypingChange
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case evt := <-ch:
			got = append(got, evt.Payload.(TypingChange))
		case <-timeout:
			t.Fatalf("got %d events, want 2", len(got))
		}
	}
	if !got[0].Typing || got[1].Typing {
		t.Errorf("events = %+v, want typing then stopped", got)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %+v", evt)
	default:
	}
}

func TestOnlineSet(t *testing.T) {
	tr := NewTracker(time.Second, nil)

	tr.Seed(map[int64]bool{7: true, 8: false})
	if !tr.IsOnline(7) || tr.IsOnline(8) {
		t.Fatal("seed not applied")
	}
	tr.SetOnline(7, false)
	tr.SetOnline(8, true)
	if tr.IsOnline(7) || !tr.IsOnline(8) {
		t.Error("presence updates not applied")
	}
	tr.Forget(8)
	if tr.IsOnline(8) {
		t.Error("Forget should drop online state")
	}
}
