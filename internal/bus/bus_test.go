package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("request.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRequestInserted, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindRequestInserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindRequestInserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("notification.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRequestDeleted})
	b.Publish(Event{Kind: KindNotificationReceived})

	select {
	case evt := <-ch:
		if evt.Kind != KindNotificationReceived {
			t.Errorf("got kind %q, want %q", evt.Kind, KindNotificationReceived)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the request event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()

	b.Publish(Event{Kind: KindChatMessage})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("app.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: KindAppForeground})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindAppBackground})

	evt := <-ch
	if evt.Kind != KindAppForeground {
		t.Errorf("got %q, want %q", evt.Kind, KindAppForeground)
	}
}
