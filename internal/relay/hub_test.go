package relay

import "testing"

func TestDeliverToOfflineAccount(t *testing.T) {
	h := NewHub()
	if h.Deliver("alice", []byte("x")) {
		t.Fatal("delivery to an offline account must fail")
	}
}

func TestDeliverQueuesForConnectedClient(t *testing.T) {
	h := NewHub()
	client := newHubClient("alice", nil)
	h.register(client)

	if !h.Deliver("alice", []byte("hello")) {
		t.Fatal("delivery to a connected account failed")
	}
	select {
	case data := <-client.sendQ:
		if string(data) != "hello" {
			t.Fatalf("unexpected frame %q", data)
		}
	default:
		t.Fatal("frame not queued")
	}
}

func TestDeliverDropsWhenQueueFull(t *testing.T) {
	h := NewHub()
	client := newHubClient("alice", nil)
	h.register(client)

	for i := 0; i < clientSendBuffer; i++ {
		if !h.Deliver("alice", []byte("x")) {
			t.Fatalf("delivery %d failed before the queue was full", i)
		}
	}
	if h.Deliver("alice", []byte("overflow")) {
		t.Fatal("delivery into a full queue must report failure")
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	h := NewHub()
	first := newHubClient("alice", nil)
	second := newHubClient("alice", nil)
	h.register(first)
	h.register(second)

	select {
	case _, open := <-first.sendQ:
		if open {
			t.Fatal("expected old client's queue closed")
		}
	default:
		t.Fatal("old client's queue still open")
	}

	if !h.Deliver("alice", []byte("x")) {
		t.Fatal("delivery to the new connection failed")
	}
	select {
	case <-second.sendQ:
	default:
		t.Fatal("frame did not reach the new connection")
	}
}

func TestUnregisterIgnoresReplacedClient(t *testing.T) {
	h := NewHub()
	first := newHubClient("alice", nil)
	second := newHubClient("alice", nil)
	h.register(first)
	h.register(second)

	h.unregister(first)
	if !h.Connected("alice") {
		t.Fatal("unregistering a replaced client must not disconnect the new one")
	}
}
