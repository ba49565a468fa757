package pubsub

import "sync"

// Mailbox is an unbounded FIFO queue connecting a broker subscription to
// the goroutine that owns a per-connection cache. Publishers never block;
// the owner drains through Ready/TryPop. Bounded-in-practice by the
// account's write rate.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends an item. No-op after Close.
func (m *Mailbox[T]) Push(item T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready returns a channel that fires when the mailbox may be non-empty.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// TryPop removes and returns the oldest item, or ok=false when empty.
func (m *Mailbox[T]) TryPop() (item T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return item, false
	}
	item = m.items[0]
	m.items = m.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close drops all queued items and rejects further pushes.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}
