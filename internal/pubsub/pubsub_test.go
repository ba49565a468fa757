package pubsub

import "testing"

func TestBroker_BroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	var first, second []any
	b.Subscribe("accounts", func(env Envelope) { first = append(first, env.Payload) })
	b.Subscribe("accounts", func(env Envelope) { second = append(second, env.Payload) })

	b.Broadcast("accounts", 1)
	b.Broadcast("accounts", 2)
	b.Broadcast("other", 99)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both subscribers to see 2 messages, got %d and %d", len(first), len(second))
	}
	if first[0] != 1 || first[1] != 2 {
		t.Fatalf("expected FIFO delivery, got %v", first)
	}
}

func TestBroker_BroadcastWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	b.Broadcast("nobody", "ignored") // must not panic
	if n := b.SubscriberCount("nobody"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestBroker_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker()
	seen := 0
	unsub := b.Subscribe("t", func(Envelope) { seen++ })
	other := b.Subscribe("t", func(Envelope) {})

	unsub()
	unsub()
	b.Broadcast("t", nil)

	if seen != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", seen)
	}
	if n := b.SubscriberCount("t"); n != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", n)
	}
	other()
}

func TestBroker_SendDeliversToOne(t *testing.T) {
	b := NewBroker()
	if b.Send("socket", nil) {
		t.Fatalf("expected Send with no subscribers to report false")
	}

	delivered := 0
	b.Subscribe("socket", func(Envelope) { delivered++ })
	b.Subscribe("socket", func(Envelope) { delivered++ })

	if !b.Send("socket", nil) {
		t.Fatalf("expected Send to report delivery")
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one handler invoked, got %d", delivered)
	}
}

func TestBroker_EnvelopeCarriesTopic(t *testing.T) {
	b := NewBroker()
	var got Envelope
	b.Subscribe("client:abc", func(env Envelope) { got = env })
	b.Broadcast("client:abc", "payload")
	if got.Topic != "client:abc" || got.Payload != "payload" {
		t.Fatalf("unexpected envelope %+v", got)
	}
}

func TestMailbox_FIFO(t *testing.T) {
	m := NewMailbox[int]()
	for i := 1; i <= 3; i++ {
		m.Push(i)
	}
	if m.Len() != 3 {
		t.Fatalf("expected len 3, got %d", m.Len())
	}
	for want := 1; want <= 3; want++ {
		got, ok := m.TryPop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := m.TryPop(); ok {
		t.Fatalf("expected empty mailbox")
	}
}

func TestMailbox_ReadyCoalesces(t *testing.T) {
	m := NewMailbox[string]()
	m.Push("a")
	m.Push("b")

	select {
	case <-m.Ready():
	default:
		t.Fatalf("expected ready signal after push")
	}
	// The signal coalesces: two pushes produce one pending tick, and the
	// drain loop is expected to TryPop until empty.
	select {
	case <-m.Ready():
		t.Fatalf("expected a single coalesced signal")
	default:
	}

	if _, ok := m.TryPop(); !ok {
		t.Fatalf("expected item a")
	}
	if _, ok := m.TryPop(); !ok {
		t.Fatalf("expected item b")
	}
}

func TestMailbox_CloseDropsAndRejects(t *testing.T) {
	m := NewMailbox[int]()
	m.Push(1)
	m.Close()
	if m.Len() != 0 {
		t.Fatalf("expected close to drop queued items, got len %d", m.Len())
	}
	m.Push(2)
	if _, ok := m.TryPop(); ok {
		t.Fatalf("expected push after close to be dropped")
	}
}
