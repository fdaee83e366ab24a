package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("engine.", 10)
	defer unsub()

	b.Publish(Event{Kind: StatusChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != StatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, StatusChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageQueued})
	b.Publish(Event{Kind: NetOnline})

	select {
	case evt := <-ch:
		if evt.Kind != NetOnline {
			t.Errorf("got kind %q, want %s", evt.Kind, NetOnline)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The message event must not leak into the net namespace.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()

	b.Publish(Event{Kind: ChatCreated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeOnlyRemovesOwnHandle(t *testing.T) {
	b := New()
	_, first := b.Subscribe("net.", 1)
	second, unsub := b.Subscribe("net.", 1)
	defer unsub()

	first()
	first()

	if n := b.Subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	b.Emit(NetOffline, nil)
	select {
	case evt := <-second:
		if evt.Kind != NetOffline {
			t.Errorf("got %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber lost its event")
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Emit(SyncStarted, MessageRef{ChatID: "c"})
	evt := <-ch
	if evt.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if ref, ok := evt.Payload.(MessageRef); !ok || ref.ChatID != "c" {
		t.Errorf("payload = %#v", evt.Payload)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: MessageQueued})
	// Dropped, the buffer is full.
	b.Publish(Event{Kind: MessageSendAck})

	evt := <-ch
	if evt.Kind != MessageQueued {
		t.Errorf("got %q, want %s", evt.Kind, MessageQueued)
	}
}
