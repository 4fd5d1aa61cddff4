package notify

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(Message{
		UserID:    "user-1",
		EventType: EventEntitiesChanged,
		Touched:   map[string][]string{"chat": {"c1", "c2"}},
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != EventEntitiesChanged {
			t.Fatalf("expected event type %s, got %s", EventEntitiesChanged, received.EventType)
		}
		if len(received.Touched["chat"]) != 2 {
			t.Fatalf("expected 2 chat ids, got %d", len(received.Touched["chat"]))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message within deadline")
	}
}

func TestDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(Message{
		UserID:    "user-3",
		EventType: EventEntitiesChanged,
		Touched:   map[string][]string{"chatMessage": {"m1"}},
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-userStream:
		t.Fatal("did not expect a message for an unrelated user")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a message for the subscribed user")
	}
}

func TestDispatcherCoalescesWhenBufferFull(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	publish := func(collection, id string) {
		dispatcher.Publish(Message{UserID: "user-1", EventType: EventEntitiesChanged, Touched: map[string][]string{collection: {id}}})
	}
	publish("chat", "c1")
	publish("chat", "c2")
	publish("chatMessage", "m1")

	first := <-stream
	if len(first.Touched["chat"]) != 1 || first.Touched["chat"][0] != "c1" {
		t.Fatalf("unexpected first message %#v", first.Touched)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected held back ids to wait for the next publish, got %#v", extra.Touched)
	default:
	}

	publish("chat", "c2")
	merged := <-stream
	if strings.Join(merged.Touched["chat"], ",") != "c2" {
		t.Fatalf("expected deduplicated chat ids, got %v", merged.Touched["chat"])
	}
	if strings.Join(merged.Touched["chatMessage"], ",") != "m1" {
		t.Fatalf("expected held back message ids, got %v", merged.Touched["chatMessage"])
	}

	publish("chat", "c3")
	next := <-stream
	if len(next.Touched) != 1 || strings.Join(next.Touched["chat"], ",") != "c3" {
		t.Fatalf("expected pending ids to be cleared after delivery, got %#v", next.Touched)
	}
}

func TestDispatcherIgnoresEmptyTouchedSet(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(Message{UserID: "user-1", EventType: EventEntitiesChanged})

	select {
	case <-stream:
		t.Fatal("expected no message for an empty touched set")
	default:
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx, "user-1")
	if dispatcher.Subscribers("user-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
