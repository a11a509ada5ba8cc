package hub

import "testing"

func TestBroadcastRouting(t *testing.T) {
	h := New(nil)

	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	scoped := &Client{ID: "scoped", Send: make(chan []byte, 4), Subscription: Subscription{LocationID: "ab12cd34"}}
	h.Register(all)
	h.Register(scoped)

	h.Broadcast([]byte("one"), Subscription{LocationID: "ab12cd34"})
	h.Broadcast([]byte("two"), Subscription{LocationID: "ffff0000"})

	if got := len(all.Send); got != 2 {
		t.Fatalf("unscoped client should see both messages, got %d", got)
	}
	if got := len(scoped.Send); got != 1 {
		t.Fatalf("scoped client should see one message, got %d", got)
	}
	if msg := <-scoped.Send; string(msg) != "one" {
		t.Fatalf("scoped client got %q, want %q", msg, "one")
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New(nil)
	client := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(client)

	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})

	if got := len(client.Send); got != 1 {
		t.Fatalf("expected 1 buffered message, got %d", got)
	}
	if msg := <-client.Send; string(msg) != "one" {
		t.Fatalf("expected first message kept, got %q", msg)
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := New(nil)
	client := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)

	if _, ok := <-client.Send; ok {
		t.Fatalf("expected closed send channel")
	}

	h.Broadcast([]byte("late"), Subscription{})
}

func TestUpdateSubscription(t *testing.T) {
	h := New(nil)
	client := &Client{ID: "c", Send: make(chan []byte, 4)}
	h.Register(client)

	h.UpdateSubscription(client, Subscription{LocationID: "ab12cd34"})
	h.Broadcast([]byte("other"), Subscription{LocationID: "ffff0000"})
	h.Broadcast([]byte("mine"), Subscription{LocationID: "ab12cd34"})

	if got := len(client.Send); got != 1 {
		t.Fatalf("expected 1 message after subscription update, got %d", got)
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","location_id":"ab12cd34"}`))
	if !ok || msg.LocationID != "ab12cd34" {
		t.Fatalf("expected valid subscribe, got %+v ok=%v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"noop"}`)); ok {
		t.Fatalf("unknown action should not parse")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatalf("garbage should not parse")
	}
}
