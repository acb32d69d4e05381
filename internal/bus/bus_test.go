package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	b.Emit(ConnectionStateChanged, "authenticated")

	select {
	case evt := <-ch:
		if evt.Kind != ConnectionStateChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, ConnectionStateChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
		if evt.Payload != "authenticated" {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("messaging.", 10)
	defer unsub()

	b.Emit(CallStateChanged, nil)
	b.Emit(MessageUpserted, nil)

	select {
	case evt := <-ch:
		if evt.Kind != MessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, MessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("unexpected event: %v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stories.", 10)
	unsub()
	unsub()

	b.Emit(StoryExpired, "s1")

	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("calls.", 1)
	defer unsub()

	b.Emit(CallStateChanged, "one")
	b.Emit(CallStateChanged, "two")

	evt := <-ch
	if evt.Payload != "one" {
		t.Errorf("got %v, want one", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Emit(StoryUpserted, nil)
}
