package proxy

import "testing"

func TestSSEHubBroadcastDeliversToAllSubscribers(t *testing.T) {
	h := newSSEHub()
	a := h.subscribe()
	b := h.subscribe()

	h.broadcast([]byte("hello"))

	for _, ch := range []chan []byte{a, b} {
		select {
		case msg := <-ch:
			if string(msg) != "hello" {
				t.Fatalf("expected hello, got %q", msg)
			}
		default:
			t.Fatalf("expected message delivered")
		}
	}
}

func TestSSEHubDropsSlowSubscriber(t *testing.T) {
	h := newSSEHub()
	slow := h.subscribe()

	// fill the slow subscriber's buffer without draining it
	for i := 0; i < 20; i++ {
		h.broadcast([]byte("x"))
	}

	if h.count() != 0 {
		t.Fatalf("expected slow subscriber dropped, count=%d", h.count())
	}
	if _, ok := <-slow; ok {
		// channel may still hold buffered messages; draining until closed is fine
		for range slow {
		}
	}
}

func TestUnsubscribeRemovesClient(t *testing.T) {
	h := newSSEHub()
	ch := h.subscribe()
	if h.count() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	h.unsubscribe(ch)
	if h.count() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
}
