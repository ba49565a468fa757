// Package pubsub implements the process-local topic broker that fans
// database change events out to per-connection channel processes.
package pubsub

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Envelope carries one published message.
type Envelope struct {
	Topic   string
	Payload any
}

// Handler receives messages for one subscription. Handlers are invoked
// synchronously on the publisher's goroutine and per publisher in FIFO
// order; keep them lightweight and non-blocking, pushing heavy work onto
// the subscriber's own mailbox.
type Handler func(Envelope)

// Broker is the topic registry: topic name to subscriber set. Subscriber
// sets are lock-free; subscribing and publishing never contend on a global
// lock.
type Broker struct {
	topics *xsync.Map[string, *xsync.Map[uint64, Handler]]
	nextID atomic.Uint64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: xsync.NewMap[string, *xsync.Map[uint64, Handler]](),
	}
}

// Subscribe registers h on topic and returns an unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Broker) Subscribe(topic string, h Handler) (unsubscribe func()) {
	id := b.nextID.Add(1)
	subs, _ := b.topics.LoadOrCompute(topic, func() (*xsync.Map[uint64, Handler], bool) {
		return xsync.NewMap[uint64, Handler](), false
	})
	subs.Store(id, h)

	return func() {
		subs.Delete(id)
		// Empty sets are left interned: topic names are a small, stable
		// vocabulary (account/client/gateway/policy/presence) and churn on
		// the outer map would cost more than the empty inner maps.
	}
}

// Broadcast delivers payload to every subscriber of topic.
func (b *Broker) Broadcast(topic string, payload any) {
	subs, ok := b.topics.Load(topic)
	if !ok {
		return
	}
	env := Envelope{Topic: topic, Payload: payload}
	subs.Range(func(_ uint64, h Handler) bool {
		h(env)
		return true
	})
}

// Send delivers payload to at most one subscriber of topic and reports
// whether anyone received it. Used for point-to-point topics such as
// per-socket disconnect channels.
func (b *Broker) Send(topic string, payload any) bool {
	subs, ok := b.topics.Load(topic)
	if !ok {
		return false
	}
	delivered := false
	env := Envelope{Topic: topic, Payload: payload}
	subs.Range(func(_ uint64, h Handler) bool {
		h(env)
		delivered = true
		return false
	})
	return delivered
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Broker) SubscriberCount(topic string) int {
	subs, ok := b.topics.Load(topic)
	if !ok {
		return 0
	}
	return subs.Size()
}
