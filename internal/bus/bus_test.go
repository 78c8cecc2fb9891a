package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	b.Publish(NewEvent(KindRealtimeMessage, "payload"))

	select {
	case evt := <-ch:
		if evt.Kind != KindRealtimeMessage {
			t.Errorf("got kind %q, want %s", evt.Kind, KindRealtimeMessage)
		}
		if evt.Timestamp.IsZero() {
			t.Error("event timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	b.Publish(NewEvent(KindChannelState, nil))
	b.Publish(NewEvent(KindConversationUpdated, int64(7)))

	select {
	case evt := <-ch:
		if evt.Kind != KindConversationUpdated {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConversationUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub() // second call is a no-op

	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	b.Publish(NewEvent(KindSessionStarted, nil))

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 1)
	defer unsub()

	b.Publish(NewEvent(KindRealtimeTyping, 1))
	b.Publish(NewEvent(KindRealtimeTyping, 2))

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event should have been dropped, got %v", evt)
	default:
	}
}

func TestOrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 100)
	defer unsub()

	for i := 0; i < 50; i++ {
		b.Publish(NewEvent(KindRealtimeMessage, i))
	}
	for i := 0; i < 50; i++ {
		evt := <-ch
		if evt.Payload != i {
			t.Fatalf("event %d payload = %v", i, evt.Payload)
		}
	}
}

func TestBlockingSubscriberLosesNothing(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeBlocking("rt.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			b.Publish(NewEvent(KindRealtimeMessage, i))
		}
	}()
	for i := 0; i < 20; i++ {
		select {
		case evt := <-ch:
			if evt.Payload != i {
				t.Fatalf("event %d payload = %v", i, evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
	<-done
}

func TestUnsubscribeReleasesBlockedPublisher(t *testing.T) {
	b := New()
	_, unsub := b.SubscribeBlocking("rt.", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(NewEvent(KindRealtimeMessage, 1))
		b.Publish(NewEvent(KindRealtimeMessage, 2))
	}()

	select {
	case <-done:
		t.Fatal("second publish should wait for the full subscriber")
	case <-time.After(50 * time.Millisecond):
	}
	unsub()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}
